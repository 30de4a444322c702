package model

import "context"

// LLMProvider is the narrow interface the agent loop, summarizer, and
// memory extractor drive a chat model through. Kept in pkg/model (rather
// than internal/agent) so every subsystem that needs a model call can
// depend on the interface without creating an import cycle back into the
// agent loop package. Grounded on the teacher's internal/agent
// LLMProvider (provider_types.go), narrowed to exactly the two shapes
// this spec's components need: a streaming chat call and a single
// structured JSON call.
type LLMProvider interface {
	// StreamChat sends req and returns a channel of incremental chunks,
	// closed when the stream ends (successfully or in error).
	StreamChat(ctx context.Context, req CompletionRequest) (<-chan CompletionChunk, error)

	// ChatJSON performs a single non-streamed call and unmarshals the
	// model's response into out, which must be a pointer.
	ChatJSON(ctx context.Context, req CompletionRequest, out any) error

	// Name identifies the provider for logging.
	Name() string
}

// Embedder produces vector embeddings for memory indexing and query
// embedding at search time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// CompletionRequest mirrors the teacher's CompletionRequest shape.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolManifestEntry
	MaxTokens int
}

// CompletionMessage mirrors the teacher's CompletionMessage shape.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionChunk mirrors the teacher's streaming chunk shape.
type CompletionChunk struct {
	Text         string
	ToolCall     *ToolCall
	Done         bool
	Err          error
	InputTokens  int
	OutputTokens int
}
