package permission

import (
	"context"
	"testing"
	"time"

	"github.com/relaygate/conduit/pkg/model"
)

func TestAskResolvedByMatchingResponse(t *testing.T) {
	b := New()
	req, wait := b.Ask("run-1", "shell_exec", "rm -rf /tmp/x", "", time.Second)

	go func() {
		time.Sleep(5 * time.Millisecond)
		if err := b.Resolve(req.RequestID, model.PermissionDecision{Decision: model.DecisionAllow}); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	d := wait(context.Background())
	if d.Decision != model.DecisionAllow {
		t.Fatalf("expected allow, got %v", d.Decision)
	}
}

func TestAskTimesOutToDeny(t *testing.T) {
	b := New()
	_, wait := b.Ask("run-2", "shell_exec", "", "", 10*time.Millisecond)
	d := wait(context.Background())
	if d.Decision != model.DecisionDeny || d.Reason != "timeout" {
		t.Fatalf("expected timeout deny, got %+v", d)
	}
}

func TestAskCancelledByContext(t *testing.T) {
	b := New()
	_, wait := b.Ask("run-3", "shell_exec", "", "", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	d := wait(ctx)
	if d.Decision != model.DecisionDeny || d.Reason != "cancelled" {
		t.Fatalf("expected cancellation deny, got %+v", d)
	}
}

func TestResolveUnknownRequestErrors(t *testing.T) {
	b := New()
	err := b.Resolve("missing", model.PermissionDecision{Decision: model.DecisionAllow})
	if err != ErrUnknownRequest {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestResolveAllForRunDeniesOutstandingRequests(t *testing.T) {
	b := New()
	req3, waitOther := b.Ask("run-5", "cap3", "", "", time.Second)
	_, wait1 := b.Ask("run-4", "cap1", "", "", time.Second)
	_, wait2 := b.Ask("run-4", "cap2", "", "", time.Second)

	b.ResolveAllForRun("run-4", "client_gone")

	d1 := wait1(context.Background())
	d2 := wait2(context.Background())
	if d1.Decision != model.DecisionDeny || d1.Reason != "client_gone" {
		t.Fatalf("expected denied client_gone, got %+v", d1)
	}
	if d2.Decision != model.DecisionDeny || d2.Reason != "client_gone" {
		t.Fatalf("expected denied client_gone, got %+v", d2)
	}

	if err := b.Resolve(req3.RequestID, model.PermissionDecision{Decision: model.DecisionAllow}); err != nil {
		t.Fatalf("expected unrelated run's request to remain pending: %v", err)
	}
	d3 := waitOther(context.Background())
	if d3.Decision != model.DecisionAllow {
		t.Fatalf("expected run-5's request unaffected, got %+v", d3)
	}
}
