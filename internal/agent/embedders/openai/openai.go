// Package openai adapts OpenAI's embeddings API to model.Embedder.
// Grounded on the teacher's internal/memory/embeddings/openai/openai.go.
package openai

import (
	"context"
	"fmt"

	"github.com/relaygate/conduit/pkg/model"
	"github.com/sashabaranov/go-openai"
)

var _ model.Embedder = (*Provider)(nil)

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string // text-embedding-3-small or text-embedding-3-large
}

// Provider implements model.Embedder using OpenAI's embeddings API.
type Provider struct {
	client *openai.Client
	model  string
}

// New returns a Provider configured against OpenAI's API.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}

	return &Provider{client: openai.NewClientWithConfig(conf), model: cfg.Model}, nil
}

// Name identifies this provider for logging.
func (p *Provider) Name() string { return "openai" }

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "text-embedding-3-small":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002":
		return 1536
	default:
		return 1536
	}
}

// MaxBatchSize returns the maximum number of texts OpenAI accepts per
// embeddings request.
func (p *Provider) MaxBatchSize() int { return 2048 }

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("openai: no embedding returned")
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request,
// chunking at MaxBatchSize since callers may hand it an unbounded batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	limit := p.MaxBatchSize()
	for start := 0; start < len(texts); start += limit {
		end := start + limit
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (p *Provider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: create embeddings: %w", err)
	}

	out := make([][]float32, len(resp.Data))
	for _, data := range resp.Data {
		out[data.Index] = data.Embedding
	}
	return out, nil
}
