// Package summarizer decides when a session's live context needs
// compacting and produces the rolled-up RollingSummary that replaces
// the turns it drops, mirroring the trigger/shape split in the teacher's
// internal/compaction package (token-budget heuristics) and its
// internal/agent CompactionManager (threshold-triggered, callback-driven
// state machine), adapted here to this spec's single materialized
// SessionState instead of a live packer/diagnostics pipeline.
package summarizer

import (
	"context"
	"fmt"

	"github.com/relaygate/conduit/pkg/model"
)

// CharsPerToken is the approximate character-to-token ratio used for the
// cheap estimation heuristic, matching the teacher's compaction package.
const CharsPerToken = 4

// Config configures when and how much a session gets compacted.
type Config struct {
	// Threshold is the fraction of ContextWindow that triggers compaction
	// once MinTurns is also satisfied.
	Threshold float64

	// KeepRecentTurns is how many of the most recent turns stay verbatim
	// in SessionState.RecentTurns after compaction.
	KeepRecentTurns int

	// MinTurns is the message_count floor below which compaction never
	// triggers, regardless of estimated token usage. Despite the name
	// (kept for config/yaml compatibility), it's compared against
	// SessionState.MessageCount, not a turn count — spec.md §4.6's
	// trigger is "message_count >= 40", and a turn appends two messages
	// (user + assistant), so this floor is a message count.
	MinTurns int

	// ContextWindow is the model's total token budget.
	ContextWindow int

	// Model is the model identifier used for the summarization call.
	Model string
}

// EstimateTurnTokens estimates a turn's token footprint by character count,
// the same ceiling-division heuristic as the teacher's EstimateTokens.
func EstimateTurnTokens(t model.Turn) int {
	chars := len(t.UserMessage) + len(t.AssistantMessage) + len(t.ToolCalls) + len(t.ToolResults)
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateStateTokens sums the estimated token footprint of every recent
// turn plus a flat estimate for the rolling summary fields.
func EstimateStateTokens(st *model.SessionState) int {
	total := estimateSummaryTokens(st.RollingSummary)
	for _, t := range st.RecentTurns {
		total += EstimateTurnTokens(t)
	}
	return total
}

func estimateSummaryTokens(s model.RollingSummary) int {
	chars := len(s.UserProfile) + len(s.ToolContext)
	for _, t := range s.ActiveTopics {
		chars += len(t)
	}
	for _, d := range s.Decisions {
		chars += len(d)
	}
	for _, q := range s.OpenQuestions {
		chars += len(q)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// ShouldCompact reports whether state has crossed cfg's trigger:
// message_count at or above the MinTurns floor, and estimated usage at
// or above Threshold of ContextWindow — spec.md §4.6's
// "token_count_estimate >= 0.6*context_window AND message_count >= 40".
func ShouldCompact(st *model.SessionState, cfg Config) bool {
	if st.MessageCount < cfg.MinTurns {
		return false
	}
	if cfg.ContextWindow <= 0 {
		return false
	}
	used := EstimateStateTokens(st)
	budget := float64(cfg.ContextWindow) * cfg.Threshold
	return float64(used) >= budget
}

// Summarizer drives the LLM call that folds dropped turns into an
// updated RollingSummary.
type Summarizer struct {
	provider model.LLMProvider
}

// New returns a Summarizer driven by provider.
func New(provider model.LLMProvider) *Summarizer {
	return &Summarizer{provider: provider}
}

type summaryResponse struct {
	UserProfile   string   `json:"user_profile"`
	ActiveTopics  []string `json:"active_topics"`
	Decisions     []string `json:"decisions"`
	OpenQuestions []string `json:"open_questions"`
	ToolContext   string   `json:"tool_context"`
}

// Compact partitions st.RecentTurns into the turns to fold into the
// summary and the turns to keep verbatim (the most recent
// cfg.KeepRecentTurns), asks the model to merge the dropped turns into
// the existing RollingSummary, and returns the updated state plus the
// event-log payload describing what happened.
func (s *Summarizer) Compact(ctx context.Context, st *model.SessionState, cfg Config) (*model.SessionState, model.CompactionPayload, error) {
	if s.provider == nil {
		return nil, model.CompactionPayload{}, fmt.Errorf("summarizer: no provider configured")
	}

	keep := cfg.KeepRecentTurns
	if keep < 0 {
		keep = 0
	}
	if keep >= len(st.RecentTurns) {
		return st, model.CompactionPayload{Summary: st.RollingSummary}, nil
	}

	toSummarize := st.RecentTurns[:len(st.RecentTurns)-keep]
	kept := st.RecentTurns[len(st.RecentTurns)-keep:]

	prompt := buildCompactionPrompt(st.RollingSummary, toSummarize)

	var resp summaryResponse
	if err := s.provider.ChatJSON(ctx, model.CompletionRequest{
		Model:    cfg.Model,
		Messages: []model.CompletionMessage{{Role: "user", Content: prompt}},
	}, &resp); err != nil {
		return nil, model.CompactionPayload{}, fmt.Errorf("summarizer: compact: %w", err)
	}

	newSummary := model.RollingSummary{
		UserProfile:   resp.UserProfile,
		ActiveTopics:  capStrings(resp.ActiveTopics, model.MaxActiveTopics),
		Decisions:     capStrings(resp.Decisions, model.MaxDecisions),
		OpenQuestions: capStrings(resp.OpenQuestions, model.MaxOpenQuestions),
		ToolContext:   resp.ToolContext,
	}

	updated := *st
	updated.RollingSummary = newSummary
	updated.RecentTurns = kept

	return &updated, model.CompactionPayload{
		Summary:        newSummary,
		FactsExtracted: len(toSummarize),
	}, nil
}

// buildCompactionPrompt renders the previous summary and the turns being
// folded into it into a single prompt asking for a merged, fixed-shape
// JSON summary.
func buildCompactionPrompt(prev model.RollingSummary, turns []model.Turn) string {
	prompt := "Update the rolling conversation summary below by folding in the new turns. " +
		"Respond with JSON {\"user_profile\": string, \"active_topics\": [string], " +
		"\"decisions\": [string], \"open_questions\": [string], \"tool_context\": string}. " +
		"Keep active_topics to the most relevant few, decisions and open_questions to the " +
		"most important, and drop anything resolved or superseded.\n\n"

	prompt += fmt.Sprintf("Existing summary:\nuser_profile: %s\nactive_topics: %v\ndecisions: %v\nopen_questions: %v\ntool_context: %s\n\n",
		prev.UserProfile, prev.ActiveTopics, prev.Decisions, prev.OpenQuestions, prev.ToolContext)

	prompt += "New turns to fold in:\n"
	for _, t := range turns {
		prompt += fmt.Sprintf("User: %s\nAssistant: %s\n\n", t.UserMessage, t.AssistantMessage)
	}
	return prompt
}

func capStrings(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	out := make([]string, max)
	copy(out, items[:max])
	return out
}
