package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/relaygate/conduit/internal/agent"
	"github.com/relaygate/conduit/internal/config"
	"github.com/relaygate/conduit/internal/connmgr"
	"github.com/relaygate/conduit/internal/permission"
	"github.com/relaygate/conduit/internal/queue"
	"github.com/relaygate/conduit/internal/statecache"
	"github.com/relaygate/conduit/internal/tools"
	"github.com/relaygate/conduit/internal/tools/policy"
	"github.com/relaygate/conduit/pkg/model"
)

// fakeProvider streams a single fixed round of text chunks, enough for
// the agent loop to reach "final" without needing real model calls.
type fakeProvider struct{}

func (fakeProvider) StreamChat(ctx context.Context, req model.CompletionRequest) (<-chan model.CompletionChunk, error) {
	ch := make(chan model.CompletionChunk, 1)
	ch <- model.CompletionChunk{Text: "hi there", Done: true}
	close(ch)
	return ch, nil
}

func (fakeProvider) ChatJSON(ctx context.Context, req model.CompletionRequest, out any) error {
	return json.Unmarshal([]byte(`{}`), out)
}

func (fakeProvider) Name() string { return "fake" }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	states, err := statecache.New(dir + "/state")
	if err != nil {
		t.Fatalf("statecache.New: %v", err)
	}
	return NewServer(
		config.GatewayConfig{Host: "127.0.0.1", Port: 0},
		slog.Default(),
		connmgr.New(),
		queue.NewManager(0),
		states,
		dir+"/events",
		permission.New(),
		tools.NewRegistry(),
		&policy.Policy{},
		agent.Config{Model: "test-model", PermissionTimeout: time.Second},
		agent.Deps{Provider: fakeProvider{}},
		8000,
		nil,
	)
}

func TestResolveSessionNewAlwaysCreatesFreshSession(t *testing.T) {
	s := newTestServer(t)
	first, isNew, seen := s.resolveSession("client-1", "new")
	if !isNew || seen {
		t.Fatalf("expected isNew=true, seen=false on first connect, got isNew=%v seen=%v", isNew, seen)
	}
	second, isNew, seen := s.resolveSession("client-1", "new")
	if !isNew || !seen {
		t.Fatalf("expected isNew=true, seen=true on second new, got isNew=%v seen=%v", isNew, seen)
	}
	if first == second {
		t.Fatal("expected distinct sessions from repeated sessionPreference=new")
	}
}

func TestResolveSessionContinueReusesLastSession(t *testing.T) {
	s := newTestServer(t)
	first, _, _ := s.resolveSession("client-1", "new")
	second, isNew, seen := s.resolveSession("client-1", "continue")
	if isNew {
		t.Fatal("expected continue to reuse the existing session, not create one")
	}
	if !seen {
		t.Fatal("expected seenBefore=true on second connect")
	}
	if second != first {
		t.Fatalf("expected continue to return %q, got %q", first, second)
	}
}

func TestResolveSessionContinueWithNoHistoryCreatesFresh(t *testing.T) {
	s := newTestServer(t)
	sessionID, isNew, seen := s.resolveSession("new-client", "continue")
	if !isNew || seen {
		t.Fatalf("expected a fresh session for a never-seen client, got isNew=%v seen=%v", isNew, seen)
	}
	if sessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
}

func TestResolveSessionAutoReusesLastThenFallsBackFresh(t *testing.T) {
	s := newTestServer(t)
	first, isNew, _ := s.resolveSession("client-2", "auto")
	if !isNew {
		t.Fatal("expected first auto connect for an unseen client to create a session")
	}
	second, isNew, _ := s.resolveSession("client-2", "auto")
	if isNew || second != first {
		t.Fatalf("expected auto to reuse %q on second connect, got %q isNew=%v", first, second, isNew)
	}
}

func TestRecordSessionOverridesLastSession(t *testing.T) {
	s := newTestServer(t)
	s.resolveSession("client-3", "new")
	s.recordSession("client-3", "explicit-session")
	again, isNew, _ := s.resolveSession("client-3", "continue")
	if isNew || again != "explicit-session" {
		t.Fatalf("expected recordSession to override the tracked session, got %q isNew=%v", again, isNew)
	}
}

func TestActiveRunLifecycle(t *testing.T) {
	s := newTestServer(t)
	if s.cancelActiveRun("sess-x") {
		t.Fatal("expected no active run before one is set")
	}

	job, _, err := s.jobs.Enqueue(context.Background(), "sess-x", "run-1", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.setActiveRun("sess-x", job)

	if got, ok := s.activeRunFor("sess-x"); !ok || got != job {
		t.Fatal("expected activeRunFor to return the job just set")
	}
	if !s.cancelActiveRun("sess-x") {
		t.Fatal("expected cancelActiveRun to find and cancel the active job")
	}
	_ = job.Wait(context.Background())

	s.clearActiveRun("sess-x", job)
	if _, ok := s.activeRunFor("sess-x"); ok {
		t.Fatal("expected activeRunFor to be empty after clearActiveRun")
	}
}

func TestClearActiveRunIgnoresStaleJob(t *testing.T) {
	s := newTestServer(t)
	jobA, _, _ := s.jobs.Enqueue(context.Background(), "sess-y", "a", func(ctx context.Context) error { return nil })
	jobB, _, _ := s.jobs.Enqueue(context.Background(), "sess-y", "b", func(ctx context.Context) error { return nil })
	s.setActiveRun("sess-y", jobB)

	s.clearActiveRun("sess-y", jobA)
	if got, ok := s.activeRunFor("sess-y"); !ok || got != jobB {
		t.Fatal("expected clearActiveRun(jobA) to leave jobB active")
	}
}
