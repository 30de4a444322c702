package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/relaygate/conduit/pkg/model"
)

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) StreamChat(ctx context.Context, req model.CompletionRequest) (<-chan model.CompletionChunk, error) {
	ch := make(chan model.CompletionChunk)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) ChatJSON(ctx context.Context, req model.CompletionRequest, out any) error {
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.response), out)
}

func (f *fakeProvider) Name() string { return "fake" }

func TestExtractTurnSkipsShortExchanges(t *testing.T) {
	m := newTestManager(t, nil)
	provider := &fakeProvider{response: `{"candidates":[{"type":"fact","content":"x","importance":9}]}`}
	e := NewExtractor(provider, "test-model", m)

	items, err := e.ExtractTurn(context.Background(), "sess-1", "hi", "ok", "u1", "a1")
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no extraction for short exchange, got %+v", items)
	}
}

func TestExtractTurnSkipsWhenOnlyOneSideIsShort(t *testing.T) {
	m := newTestManager(t, nil)
	provider := &fakeProvider{response: `{"candidates":[{"type":"fact","content":"x","importance":9}]}`}
	e := NewExtractor(provider, "test-model", m)

	// user message is 5 chars (< MinUserMessageLength=8); assistant reply
	// is long. The two thresholds are independent, so this must still
	// skip even though the combined length clears the old single floor.
	items, err := e.ExtractTurn(context.Background(), "sess-1",
		"thx!!",
		"You're welcome! I've noted that preference for future reference.",
		"u1", "a1")
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no extraction when the user message alone is below its floor, got %+v", items)
	}
}

func TestExtractTurnIngestsCandidatesAboveFloor(t *testing.T) {
	m := newTestManager(t, nil)
	provider := &fakeProvider{response: `{"candidates":[
		{"type":"preference","content":"prefers dark mode","context":"editor setup","importance":8,"tags":["ui"]},
		{"type":"fact","content":"not important enough","importance":0}
	]}`}
	e := NewExtractor(provider, "test-model", m)

	items, err := e.ExtractTurn(context.Background(), "sess-1",
		"I really prefer working in dark mode for my editor setup",
		"Noted, I'll remember you prefer dark mode themes",
		"u1", "a1")
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 ingested candidate above floor, got %+v", items)
	}
	if items[0].Content != "prefers dark mode" {
		t.Fatalf("unexpected ingested item: %+v", items[0])
	}
	if len(items[0].SourceMessageIDs) != 2 || items[0].SourceMessageIDs[0] != "u1" {
		t.Fatalf("expected source message ids to be recorded, got %+v", items[0].SourceMessageIDs)
	}
}

func TestExtractTurnPropagatesProviderError(t *testing.T) {
	m := newTestManager(t, nil)
	provider := &fakeProvider{err: context.DeadlineExceeded}
	e := NewExtractor(provider, "test-model", m)

	_, err := e.ExtractTurn(context.Background(), "sess-1",
		"a long enough user message to pass the skip check",
		"a long enough assistant reply to pass the skip check",
		"u1", "a1")
	if err == nil {
		t.Fatal("expected error propagated from provider")
	}
}
