// Package permission bridges an agent loop's "ask" policy decisions to a
// connected client and back. Grounded on the teacher's
// internal/agent/approval.go (ApprovalRequest/ApprovalChecker/
// ApprovalStore), generalized from that package's poll-based
// ListPending/Update store into a channel-keyed promise table: the loop
// blocks on a channel that is resolved exactly once by a matching
// response frame, a timeout, or the owning client's disconnect.
package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/conduit/pkg/model"
)

// ErrUnknownRequest is returned by Resolve when requestID has no pending
// entry (already resolved, expired, or never existed).
var ErrUnknownRequest = errors.New("permission: unknown or already-resolved request id")

// Bridge tracks in-flight permission requests and resolves each exactly
// once.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]chan model.PermissionDecision
	runOf   map[string]string // requestID -> runID, for bulk disconnect resolution
}

// New returns an empty Bridge.
func New() *Bridge {
	return &Bridge{
		pending: make(map[string]chan model.PermissionDecision),
		runOf:   make(map[string]string),
	}
}

// Ask registers a new pending request and returns it alongside a function
// that blocks (up to timeout) for its resolution. The caller is
// responsible for delivering req to the owning client out-of-band (e.g.
// as a permission.request event).
func (b *Bridge) Ask(runID, capability, preview, reason string, timeout time.Duration) (model.PermissionRequest, func(ctx context.Context) model.PermissionDecision) {
	req := model.PermissionRequest{
		RequestID:  uuid.NewString(),
		RunID:      runID,
		Capability: capability,
		Preview:    preview,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	ch := make(chan model.PermissionDecision, 1)

	b.mu.Lock()
	b.pending[req.RequestID] = ch
	b.runOf[req.RequestID] = runID
	b.mu.Unlock()

	wait := func(ctx context.Context) model.PermissionDecision {
		defer b.forget(req.RequestID)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case d := <-ch:
			return d
		case <-timer.C:
			return model.PermissionDecision{Decision: model.DecisionDeny, Reason: "timeout"}
		case <-ctx.Done():
			return model.PermissionDecision{Decision: model.DecisionDeny, Reason: "cancelled"}
		}
	}
	return req, wait
}

func (b *Bridge) forget(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, requestID)
	delete(b.runOf, requestID)
}

// Resolve delivers decision to the caller blocked in Ask's wait function.
// It is idempotent-safe: a second call for the same id returns
// ErrUnknownRequest rather than panicking on a closed/consumed channel.
func (b *Bridge) Resolve(requestID string, decision model.PermissionDecision) error {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		delete(b.runOf, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}
	ch <- decision
	return nil
}

// ResolveAllForRun resolves every pending request belonging to runID as
// denied, used when the owning client disconnects. An aborted run's
// pending asks are denied through the cancelled context passed to wait.
func (b *Bridge) ResolveAllForRun(runID, reason string) {
	b.mu.Lock()
	var ids []string
	for id, r := range b.runOf {
		if r == runID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Resolve(id, model.PermissionDecision{Decision: model.DecisionDeny, Reason: reason})
	}
}
