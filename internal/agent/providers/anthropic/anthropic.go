// Package anthropic adapts Anthropic's Claude API to model.LLMProvider.
// Grounded on the teacher's internal/agent/providers/anthropic.go
// AnthropicProvider: same SDK, same streaming-event-to-chunk translation,
// narrowed to the two calls model.LLMProvider needs (a streaming chat and
// a single structured-JSON call) and without the teacher's beta
// computer-use/vision branches, which this spec's tool set never
// exercises.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/relaygate/conduit/pkg/model"
)

// Config configures a Provider instance.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	MaxTokens    int
}

func (c Config) sanitized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Provider implements model.LLMProvider against Anthropic's Messages API.
type Provider struct {
	client anthropic.Client
	cfg    Config
}

// New returns a Provider configured against Anthropic's API.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg = cfg.sanitized()

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Name identifies this provider for logging.
func (p *Provider) Name() string { return "anthropic" }

// StreamChat sends req to Claude and streams back incremental chunks,
// retrying transient failures with exponential backoff before the stream
// opens. Once the stream is open, errors are delivered on the channel
// rather than retried.
func (p *Provider) StreamChat(ctx context.Context, req model.CompletionRequest) (<-chan model.CompletionChunk, error) {
	chunks := make(chan model.CompletionChunk)

	go func() {
		defer close(chunks)

		var stream *anthropicStream
		var err error
		for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
			stream, err = p.open(ctx, req)
			if err == nil {
				break
			}
			if !isRetryable(err) {
				chunks <- model.CompletionChunk{Err: err}
				return
			}
			if attempt < p.cfg.MaxRetries {
				backoff := p.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					chunks <- model.CompletionChunk{Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			chunks <- model.CompletionChunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", err)}
			return
		}

		processStream(stream, chunks)
	}()

	return chunks, nil
}

// ChatJSON performs a single streamed call, collects the whole response
// text, and unmarshals it into out, used by the summarizer and memory
// extractor for their structured-JSON prompts. It does not retry.
func (p *Provider) ChatJSON(ctx context.Context, req model.CompletionRequest, out any) error {
	stream, err := p.open(ctx, req)
	if err != nil {
		return fmt.Errorf("anthropic: open stream: %w", err)
	}

	chunks := make(chan model.CompletionChunk)
	go func() {
		defer close(chunks)
		processStream(stream, chunks)
	}()

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return fmt.Errorf("anthropic: chat: %w", chunk.Err)
		}
		text.WriteString(chunk.Text)
	}

	raw := extractJSON(text.String())
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("anthropic: decode structured response: %w", err)
	}
	return nil
}

// extractJSON strips surrounding prose/code fences a model sometimes adds
// around a requested JSON object, returning the first {...} span found.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

type anthropicStream = ssestream.Stream[anthropic.MessageStreamEventUnion]

func (p *Provider) open(ctx context.Context, req model.CompletionRequest) (*anthropicStream, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *Provider) model(requested string) string {
	if requested == "" {
		return p.cfg.DefaultModel
	}
	return requested
}

func (p *Provider) maxTokens(requested int) int {
	if requested <= 0 {
		return p.cfg.MaxTokens
	}
	return requested
}

// processStream converts Anthropic's SSE event stream into
// model.CompletionChunk values, accumulating a tool call's input JSON
// across its input_json_delta events before emitting it as one chunk
// indexed by the order it started in.
func processStream(stream *anthropicStream, chunks chan<- model.CompletionChunk) {
	var toolCall *model.ToolCall
	var toolInput strings.Builder
	toolIndex := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolCall = &model.ToolCall{Index: toolIndex, ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- model.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Arguments = json.RawMessage(toolInput.String())
				chunks <- model.CompletionChunk{ToolCall: toolCall}
				toolIndex++
				toolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- model.CompletionChunk{InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- model.CompletionChunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- model.CompletionChunk{Err: fmt.Errorf("anthropic: %w", err)}
	}
}

// convertMessages translates the shared message shape into Anthropic's
// content-block message params, the same role/content-block mapping as
// the teacher's convertMessages (system messages filtered out, tool
// calls/results folded into content blocks).
func convertMessages(messages []model.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, resultText(tr), !tr.OK))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

func resultText(tr model.ToolResult) string {
	if !tr.OK && tr.Content == "" {
		return tr.Reason
	}
	return tr.Content
}

// convertTools translates the shared tool-manifest shape into Anthropic
// tool params, skipping any entry whose parameter schema fails to parse
// rather than failing the whole request.
func convertTools(tools []model.ToolManifestEntry) []anthropic.ToolUnionParam {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				continue
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			continue
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	msg := err.Error()
	for _, substr := range []string{"rate_limit", "429", "too many requests", "500", "502", "503", "504",
		"timeout", "deadline exceeded", "connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
