package memory

import (
	"context"
	"testing"
	"time"

	"github.com/relaygate/conduit/internal/memory/lexical"
	"github.com/relaygate/conduit/internal/memory/vector"
	"github.com/relaygate/conduit/pkg/model"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	for i, r := range text {
		v[i%f.dim] += float32(r % 7)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func newTestManager(t *testing.T, embedder model.Embedder) *Manager {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	lex, err := lexical.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	vec := vector.New()
	m, err := NewManager(Config{MinImportance: 1, EmbeddingsEnabled: embedder != nil, VectorScanLimit: 0}, store, lex, vec, embedder, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestIngestRejectsBelowImportanceFloor(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "trivial", Importance: 0, Timestamp: time.Now()})
	if err == nil {
		t.Fatal("expected rejection below importance floor")
	}
}

func TestIngestAndSearchFindsLexicalMatch(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "user prefers dark mode editors", Importance: 7, Type: model.MemoryPreference, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	_, err = m.Ingest(context.Background(), model.MemoryItem{Content: "deployment happens every friday", Importance: 7, Type: model.MemoryProject, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, err := m.Search(context.Background(), "sess-1", "dark mode", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].Item.Content == "" {
		t.Fatalf("expected at least one hit, got %+v", results)
	}
	found := false
	for _, r := range results {
		if r.Item.Content == "user prefers dark mode editors" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dark-mode memory among results: %+v", results)
	}
}

func TestSearchWithEmbeddingsCombinesBothSignals(t *testing.T) {
	m := newTestManager(t, &fakeEmbedder{dim: 8})
	_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "likes coffee in the morning", Importance: 6, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	results, err := m.Search(context.Background(), "sess-1", "coffee", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestBackfillEmbeddingsSkipsAlreadyEmbeddedItems(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "no embedder configured yet", Importance: 6, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	m.embedder = &fakeEmbedder{dim: 8}
	done, err := m.BackfillEmbeddings(context.Background(), 10)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if done != 1 {
		t.Fatalf("expected 1 item backfilled, got %d", done)
	}

	done, err = m.BackfillEmbeddings(context.Background(), 10)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if done != 0 {
		t.Fatalf("expected 0 items left to backfill, got %d", done)
	}
}

// fixedEmbedder returns a pre-assigned vector per exact text match,
// letting a test force an adversarial (anti-parallel) cosine similarity
// deterministically rather than relying on the hash-ish fakeEmbedder.
type fixedEmbedder struct{ vecs map[string][]float32 }

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vecs[text], nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vecs[t]
	}
	return out, nil
}

func (f *fixedEmbedder) Dimension() int { return 2 }

func TestSearchClampsNegativeCosineBeforeMerging(t *testing.T) {
	embedder := &fixedEmbedder{vecs: map[string][]float32{
		"likes tea":    {1, 0},
		"opposite day": {-1, 0},
	}}
	m := newTestManager(t, embedder)
	_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "likes tea", Importance: 6, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, err := m.Search(context.Background(), "sess-1", "opposite day", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Score < 0 {
			t.Fatalf("expected every merged score to be clamped to >=0, got %+v", r)
		}
	}
}

func TestBackfillEmbeddingsRespectsLimit(t *testing.T) {
	m := newTestManager(t, nil)
	for i := 0; i < 3; i++ {
		_, err := m.Ingest(context.Background(), model.MemoryItem{Content: "item", Importance: 6, Timestamp: time.Now()})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	m.embedder = &fakeEmbedder{dim: 8}

	done, err := m.BackfillEmbeddings(context.Background(), 2)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if done != 2 {
		t.Fatalf("expected exactly 2 items backfilled due to the limit, got %d", done)
	}
}
