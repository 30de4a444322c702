// Package agent implements the streaming tool-calling loop: assemble a
// prompt from session state and retrieved memory, stream the model's
// response, execute any requested tools behind the policy gate and
// permission bridge, and loop until the model stops calling tools or the
// round cap is hit. Grounded on the teacher's internal/agent loop.go
// Init->Stream->ExecuteTools->Complete/Continue state machine, adapted
// to this spec's extra retrieving_memory/compacting phases and its
// event-sourced session store instead of a branch-aware message store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/conduit/internal/eventlog"
	"github.com/relaygate/conduit/internal/memory"
	"github.com/relaygate/conduit/internal/observability"
	"github.com/relaygate/conduit/internal/permission"
	"github.com/relaygate/conduit/internal/statecache"
	"github.com/relaygate/conduit/internal/summarizer"
	"github.com/relaygate/conduit/internal/tools"
	"github.com/relaygate/conduit/internal/tools/policy"
	"github.com/relaygate/conduit/pkg/model"
)

// DefaultMaxRounds caps how many model-stream/tool-execute rounds a single
// run may take before the loop gives up and returns whatever text has
// been produced so far.
const DefaultMaxRounds = 10

// DefaultPromptTurns is how many of the most recent turns are included
// verbatim in the assembled prompt.
const DefaultPromptTurns = 20

// Config configures one Loop's round caps and prompt shape.
type Config struct {
	MaxRounds          int
	PromptTurns        int
	SystemPrompt       string
	PermissionTimeout  time.Duration
	Model              string
	SummarizationModel string
	MemorySearchLimit  int
}

func (c Config) sanitized() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.PromptTurns <= 0 {
		c.PromptTurns = DefaultPromptTurns
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = 5 * time.Minute
	}
	if c.MemorySearchLimit <= 0 {
		c.MemorySearchLimit = 5
	}
	return c
}

// Deps collects the subsystems the loop drives. All fields are required
// except Summarizer/Extractor/Memory, which degrade gracefully to
// no-compaction/no-retrieval behavior when nil.
type Deps struct {
	Provider    model.LLMProvider
	Registry    *tools.Registry
	Policy      *policy.Policy
	Permissions *permission.Bridge
	Memory      *memory.Manager
	Extractor   *memory.Extractor
	Summarizer  *summarizer.Summarizer
	EventLogDir string
	States      *statecache.Cache
	Compaction  summarizer.Config
	// Metrics is optional; a nil value disables instrumentation rather
	// than requiring every call site to guard against it.
	Metrics *observability.Metrics
}

// Loop runs the agentic tool-calling state machine for a single session
// at a time (per-session serialization is the queue's job, not the
// loop's).
type Loop struct {
	cfg  Config
	deps Deps
}

// New returns a Loop driven by deps.
func New(cfg Config, deps Deps) *Loop {
	return &Loop{cfg: cfg.sanitized(), deps: deps}
}

// Request is one enqueued chat turn.
type Request struct {
	SessionID string
	RunID     string
	Message   string
	MessageID string
}

// Emit delivers one named event with its payload to whatever transport is
// broadcasting this run (the connection manager, in production; a test
// double in tests). The loop never depends on the wire frame type
// directly, so it stays usable without the gateway/protocol packages.
type Emit func(name string, payload any)

// statusPayload is the payload of every `status` event.
type statusPayload struct {
	Status string `json:"status"`
}

type tokenPayload struct {
	Text string `json:"text"`
}

type toolCallPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Capability string `json:"capability"`
	Preview    string `json:"preview"`
}

type toolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	OK         bool   `json:"ok"`
	Content    string `json:"content"`
	Reason     string `json:"reason,omitempty"`
}

type permissionRequestPayload struct {
	RequestID  string `json:"requestId"`
	RunID      string `json:"runId"`
	Capability string `json:"capability"`
	Preview    string `json:"preview"`
	Reason     string `json:"reason"`
}

type finalPayload struct {
	RunID     string `json:"runId"`
	MessageID string `json:"messageId"`
	Usage     usage  `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type cancelledPayload struct {
	RunID string `json:"runId"`
}

type errorPayload struct {
	RunID   string `json:"runId"`
	Message string `json:"message"`
}

type runLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// maxPreviewBytes bounds the truncated-JSON preview shown for a
// permission ask or tool_call event.
const maxPreviewBytes = 8 * 1024

// Run executes one full turn for req: memory retrieval, optional
// compaction, the stream/execute-tools round loop, then persistence of
// the assistant turn and a detached memory-extraction pass.
func (l *Loop) Run(ctx context.Context, req Request, emit Emit) (err error) {
	start := time.Now()
	defer func() {
		l.deps.Metrics.ObserveRun(runOutcome(err), time.Since(start))
	}()

	if l.deps.Provider == nil {
		return l.fail(nil, emit, PhaseErrInit, req.RunID, ErrNoProvider)
	}

	log, err := eventlog.Open(l.deps.EventLogDir, req.SessionID)
	if err != nil {
		return l.fail(nil, emit, PhaseErrInit, req.RunID, err)
	}
	defer log.Close()

	state, err := l.deps.States.GetOrCreate(req.SessionID)
	if err != nil {
		return l.fail(log, emit, PhaseErrInit, req.RunID, err)
	}

	userMsgID := req.MessageID
	if userMsgID == "" {
		userMsgID = uuid.NewString()
	}
	if err := l.appendMessage(log, model.RoleUser, req.Message, userMsgID, req.RunID, nil); err != nil {
		return l.fail(log, emit, PhaseErrInit, req.RunID, err)
	}

	emit("status", statusPayload{Status: "retrieving_memory"})
	memoryBlock := l.retrieveMemory(ctx, req)

	if l.deps.Summarizer != nil && summarizer.ShouldCompact(state, l.deps.Compaction) {
		emit("status", statusPayload{Status: "compacting"})
		if err := l.compact(ctx, log, state); err != nil {
			return l.fail(log, emit, PhaseErrCompact, req.RunID, err)
		}
		emit("status", statusPayload{Status: "ready"})
	}

	messages := l.assemblePrompt(state, memoryBlock, req.Message)

	emit("status", statusPayload{Status: "thinking"})

	var assistantText string
	var totalUsage usage
	round := 0
	firstChunk := true

	for round < l.cfg.MaxRounds {
		select {
		case <-ctx.Done():
			emit("cancelled", cancelledPayload{RunID: req.RunID})
			return ErrRunCancelled
		default:
		}

		chunks, err := l.deps.Provider.StreamChat(ctx, model.CompletionRequest{
			Model:    l.cfg.Model,
			System:   l.cfg.SystemPrompt,
			Messages: messages,
			Tools:    l.deps.Registry.Manifest(),
		})
		if err != nil {
			return l.fail(log, emit, PhaseErrStream, req.RunID, err)
		}

		var roundText string
		toolCalls := make(map[int]*model.ToolCall)
		var order []int

		for chunk := range chunks {
			if chunk.Err != nil {
				return l.fail(log, emit, PhaseErrStream, req.RunID, chunk.Err)
			}
			if firstChunk {
				emit("status", statusPayload{Status: "streaming"})
				firstChunk = false
			}
			if chunk.Text != "" {
				roundText += chunk.Text
				emit("token", tokenPayload{Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				tc := *chunk.ToolCall
				existing, ok := toolCalls[tc.Index]
				if !ok {
					toolCalls[tc.Index] = &tc
					order = append(order, tc.Index)
				} else {
					existing.Name += tc.Name
					existing.ID = firstNonEmpty(existing.ID, tc.ID)
					existing.Arguments = append(existing.Arguments, tc.Arguments...)
				}
			}
			totalUsage.InputTokens += chunk.InputTokens
			totalUsage.OutputTokens += chunk.OutputTokens
		}

		assistantText = roundText

		if len(order) == 0 {
			break
		}

		ordered := make([]model.ToolCall, 0, len(order))
		for _, idx := range order {
			ordered = append(ordered, *toolCalls[idx])
		}

		assistantMsgID := uuid.NewString()
		toolCallsJSON, _ := json.Marshal(ordered)
		if err := l.appendMessage(log, model.RoleAssistant, assistantText, assistantMsgID, req.RunID, toolCallsJSON); err != nil {
			return l.fail(log, emit, PhaseErrExecTools, req.RunID, err)
		}

		results, cancelled := l.executeTools(ctx, log, req, ordered, emit)
		messages = append(messages, model.CompletionMessage{Role: "assistant", Content: assistantText, ToolCalls: ordered})
		messages = append(messages, model.CompletionMessage{Role: "tool", ToolResults: results})

		if cancelled {
			emit("cancelled", cancelledPayload{RunID: req.RunID})
			return ErrRunCancelled
		}

		round++
	}

	if round >= l.cfg.MaxRounds {
		emit("run.log", runLogPayload{Level: "warn", Message: fmt.Sprintf("reached max rounds: %d", l.cfg.MaxRounds)})
	}

	assistantMsgID := uuid.NewString()
	if err := l.appendMessage(log, model.RoleAssistant, assistantText, assistantMsgID, req.RunID, nil); err != nil {
		return l.fail(log, emit, PhaseErrExecTools, req.RunID, err)
	}

	turn := model.Turn{
		UserMessage:      req.Message,
		AssistantMessage: assistantText,
		Timestamp:        time.Now(),
		UserMsgID:        userMsgID,
		AssistantMsgID:   assistantMsgID,
	}
	state.RecentTurns = append(state.RecentTurns, turn)
	if len(state.RecentTurns) > model.RecentTurnsCap {
		state.RecentTurns = state.RecentTurns[len(state.RecentTurns)-model.RecentTurnsCap:]
	}
	state.MessageCount += 2
	state.TokenCountEstimate = summarizer.EstimateStateTokens(state)
	state.UpdatedAt = time.Now()
	if err := l.deps.States.Save(state); err != nil {
		return l.fail(log, emit, PhaseErrExecTools, req.RunID, err)
	}

	if l.deps.Extractor != nil {
		go func() {
			_, _ = l.deps.Extractor.ExtractTurn(context.Background(), req.SessionID, req.Message, assistantText, userMsgID, assistantMsgID)
		}()
	}

	emit("final", finalPayload{RunID: req.RunID, MessageID: assistantMsgID, Usage: totalUsage})
	return nil
}

// fail records a terminal run failure: a best-effort run_error eventlog
// entry (skipped if log hasn't been opened yet), an "error" event on
// emit, and the RunError returned to the caller. Every terminal failure
// path in Run goes through this so a run never fails silently on only
// one of the two channels.
func (l *Loop) fail(log *eventlog.Log, emit Emit, phase RunErrorPhase, runID string, cause error) error {
	if log != nil {
		payload, err := json.Marshal(model.RunErrorPayload{RunID: runID, Message: cause.Error()})
		if err == nil {
			_ = log.Append(model.Event{Type: model.EventRunError, Timestamp: time.Now(), Payload: payload})
		}
	}
	emit("error", errorPayload{RunID: runID, Message: cause.Error()})
	return &RunError{Phase: phase, RunID: runID, Cause: cause}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// runOutcome labels a completed Run for the run-duration/run-count
// metrics: "cancelled" for an explicit cancellation, "error" for any
// other failure, "success" otherwise.
func runOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRunCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

// retrieveMemory runs the hybrid search and renders a memory block for
// the prompt, falling back to an empty block on any failure (retrieval
// failures are recovered locally, not surfaced as run errors).
func (l *Loop) retrieveMemory(ctx context.Context, req Request) string {
	if l.deps.Memory == nil {
		return ""
	}
	searchStart := time.Now()
	results, err := l.deps.Memory.Search(ctx, req.SessionID, req.Message, l.cfg.MemorySearchLimit)
	l.deps.Metrics.ObserveMemorySearch(time.Since(searchStart))
	if err != nil || len(results) == 0 {
		return ""
	}
	block := ""
	for _, r := range results {
		block += fmt.Sprintf("- [%s] %s\n", r.Item.Type, r.Item.Content)
	}
	return block
}

// compact runs the summarizer against state, replacing it in place on
// success and appending the resulting event to log. A failed
// summarization keeps the old summary (recovered locally).
func (l *Loop) compact(ctx context.Context, log *eventlog.Log, state *model.SessionState) error {
	updated, payload, err := l.deps.Summarizer.Compact(ctx, state, summarizer.Config{
		Threshold:       l.deps.Compaction.Threshold,
		KeepRecentTurns: l.deps.Compaction.KeepRecentTurns,
		MinTurns:        l.deps.Compaction.MinTurns,
		ContextWindow:   l.deps.Compaction.ContextWindow,
		Model:           l.cfg.SummarizationModel,
	})
	if err != nil {
		return nil
	}
	*state = *updated
	state.LastCompactionTS = time.Now()
	l.deps.Metrics.CompactionPerformed()

	payloadJSON, _ := json.Marshal(payload)
	return log.Append(model.Event{
		Type:      model.EventCompaction,
		Timestamp: time.Now(),
		Payload:   payloadJSON,
	})
}

// assemblePrompt builds the message list sent to the model: system
// prompt, rolling-summary block, memory block, the last PromptTurns
// turns, then the new user message.
func (l *Loop) assemblePrompt(state *model.SessionState, memoryBlock, userMessage string) []model.CompletionMessage {
	var messages []model.CompletionMessage

	if s := state.RollingSummary; s.UserProfile != "" || len(s.ActiveTopics) > 0 || len(s.Decisions) > 0 {
		messages = append(messages, model.CompletionMessage{
			Role: "system",
			Content: fmt.Sprintf("Conversation summary:\nProfile: %s\nActive topics: %v\nDecisions: %v\nOpen questions: %v\nTool context: %s",
				s.UserProfile, s.ActiveTopics, s.Decisions, s.OpenQuestions, s.ToolContext),
		})
	}
	if memoryBlock != "" {
		messages = append(messages, model.CompletionMessage{Role: "system", Content: "Relevant memory:\n" + memoryBlock})
	}

	turns := state.RecentTurns
	if len(turns) > l.cfg.PromptTurns {
		turns = turns[len(turns)-l.cfg.PromptTurns:]
	}
	for _, t := range turns {
		messages = append(messages, model.CompletionMessage{Role: "user", Content: t.UserMessage})
		messages = append(messages, model.CompletionMessage{Role: "assistant", Content: t.AssistantMessage})
	}

	messages = append(messages, model.CompletionMessage{Role: "user", Content: userMessage})
	return messages
}

// executeTools runs each tool call in index order through the policy
// gate and permission bridge, returning synthesized or real results for
// every call. The second return is true if ctx was cancelled mid-run, in
// which case any not-yet-executed calls get a synthesized
// ok=false/reason=cancelled result per the run-cancellation invariant.
func (l *Loop) executeTools(ctx context.Context, log *eventlog.Log, req Request, calls []model.ToolCall, emit Emit) ([]model.ToolResult, bool) {
	results := make([]model.ToolResult, 0, len(calls))
	cancelled := false

	for _, call := range calls {
		capability := l.deps.Registry.CapabilityOf(call.Name)
		preview := truncatePreview(string(call.Arguments))

		l.logToolCall(log, req.RunID, call)
		emit("tool_call", toolCallPayload{
			ToolCallID: call.ID,
			Name:       call.Name,
			Arguments:  string(call.Arguments),
			Capability: capability,
			Preview:    preview,
		})

		if cancelled || ctx.Err() != nil {
			cancelled = true
			res := model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "cancelled"}
			results = append(results, res)
			l.logToolResult(log, req.RunID, call.ID, res)
			emit("tool_result", toolResultPayload{ToolCallID: call.ID, OK: false, Reason: res.Reason})
			continue
		}

		def, ok := l.deps.Registry.Get(call.Name)

		if !ok {
			res := model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "unknown_tool"}
			results = append(results, res)
			l.logToolResult(log, req.RunID, call.ID, res)
			emit("tool_result", toolResultPayload{ToolCallID: call.ID, OK: false, Reason: "unknown_tool"})
			continue
		}

		if missing := missingRequiredArgs(def, call.Arguments); len(missing) > 0 {
			res := model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "missing_args: " + fmt.Sprint(missing)}
			results = append(results, res)
			l.logToolResult(log, req.RunID, call.ID, res)
			emit("tool_result", toolResultPayload{ToolCallID: call.ID, OK: false, Reason: res.Reason})
			continue
		}

		decision := policy.Evaluate(l.deps.Policy, capability)
		switch decision.Outcome {
		case model.DecisionDeny:
			res := model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "denied: " + decision.Reason}
			results = append(results, res)
			l.logToolResult(log, req.RunID, call.ID, res)
			emit("tool_result", toolResultPayload{ToolCallID: call.ID, OK: false, Reason: res.Reason})
			l.deps.Metrics.ObserveToolCall(call.Name, "denied", 0)
			continue
		case model.DecisionAsk:
			permReq, wait := l.deps.Permissions.Ask(req.RunID, capability, preview, decision.Reason, l.cfg.PermissionTimeout)
			emit("permission.request", permissionRequestPayload{
				RequestID:  permReq.RequestID,
				RunID:      req.RunID,
				Capability: capability,
				Preview:    preview,
				Reason:     decision.Reason,
			})
			outcome := wait(ctx)
			if outcome.Decision != model.DecisionAllow {
				res := model.ToolResult{ToolCallID: call.ID, OK: false, Reason: "denied: " + outcome.Reason}
				results = append(results, res)
				l.logToolResult(log, req.RunID, call.ID, res)
				emit("tool_result", toolResultPayload{ToolCallID: call.ID, OK: false, Reason: res.Reason})
				if outcome.Reason == "cancelled" {
					cancelled = true
				}
				continue
			}
		}

		toolStart := time.Now()
		res := l.deps.Registry.Execute(ctx, call)
		status := "success"
		if !res.OK {
			status = "error"
		}
		l.deps.Metrics.ObserveToolCall(call.Name, status, time.Since(toolStart))
		results = append(results, res)
		l.logToolResult(log, req.RunID, call.ID, res)
		emit("tool_result", toolResultPayload{ToolCallID: res.ToolCallID, OK: res.OK, Content: res.Content, Reason: res.Reason})
	}

	return results, cancelled
}

func missingRequiredArgs(def model.ToolDefinition, arguments json.RawMessage) []string {
	if len(def.Required) == 0 {
		return nil
	}
	var args map[string]any
	if len(arguments) > 0 {
		_ = json.Unmarshal(arguments, &args)
	}
	var missing []string
	for _, field := range def.Required {
		if _, ok := args[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func truncatePreview(s string) string {
	if len(s) <= maxPreviewBytes {
		return s
	}
	return s[:maxPreviewBytes]
}

func (l *Loop) appendMessage(log *eventlog.Log, role model.Role, content, messageID, runID string, toolCalls json.RawMessage) error {
	payload, err := json.Marshal(model.MessagePayload{
		Role:      role,
		Content:   content,
		MessageID: messageID,
		RunID:     runID,
		ToolCalls: toolCalls,
	})
	if err != nil {
		return err
	}
	return log.Append(model.Event{Type: model.EventMessage, Timestamp: time.Now(), Payload: payload})
}

func (l *Loop) logToolCall(log *eventlog.Log, runID string, call model.ToolCall) {
	payload, _ := json.Marshal(model.ToolCallPayload{
		RunID:      runID,
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
	})
	_ = log.Append(model.Event{Type: model.EventToolCall, Timestamp: time.Now(), Payload: payload})
}

func (l *Loop) logToolResult(log *eventlog.Log, runID, toolCallID string, res model.ToolResult) {
	payload, _ := json.Marshal(model.ToolResultPayload{
		RunID:      runID,
		ToolCallID: toolCallID,
		OK:         res.OK,
		Content:    res.Content,
		Reason:     res.Reason,
	})
	_ = log.Append(model.Event{Type: model.EventToolResult, Timestamp: time.Now(), Payload: payload})
}
