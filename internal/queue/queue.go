// Package queue implements the per-session FIFO run queue: at most one
// run executes per session at a time, later requests wait their turn, and
// a run may be cancelled while queued or in flight. The map-of-workers
// lifecycle (create on first job, tear down when drained and idle) is
// grounded on the teacher's internal/agent tool_registry.go ref-counted
// sessionLock map, generalized from a plain mutex to a draining goroutine
// with a bounded backlog.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaygate/conduit/internal/observability"
)

// ErrQueueFull is returned by Enqueue when a session's backlog is at
// capacity.
var ErrQueueFull = errors.New("queue: session backlog is full")

// ErrCancelled marks a job removed from the queue (or aborted mid-run)
// before it completed.
var ErrCancelled = errors.New("queue: job cancelled")

// Job is one unit of queued work: a single agent run for a session.
type Job struct {
	ID        string
	SessionID string
	Run       func(ctx context.Context) error
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Wait blocks until the job completes or is cancelled, returning its
// terminal error (nil on success).
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the job: if queued, it is skipped; if running, its
// context is cancelled so Run can observe ctx.Done().
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

type sessionWorker struct {
	mu      sync.Mutex
	backlog []*Job
	refs    int
	active  bool
}

// Manager owns one FIFO worker per session, created lazily on first
// Enqueue and torn down once its backlog drains and no caller still holds
// a reference.
type Manager struct {
	mu       sync.Mutex
	workers  map[string]*sessionWorker
	maxDepth int
	metrics  *observability.Metrics
}

// NewManager returns a Manager bounding each session's backlog to maxDepth
// queued (not yet running) jobs. maxDepth <= 0 means unbounded.
func NewManager(maxDepth int) *Manager {
	return &Manager{workers: make(map[string]*sessionWorker), maxDepth: maxDepth}
}

// SetMetrics attaches a metrics sink, reported against starting with the
// next Enqueue/drain; nil disables reporting.
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

func (m *Manager) acquire(sessionID string) *sessionWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.workers[sessionID]
	if w == nil {
		w = &sessionWorker{}
		m.workers[sessionID] = w
	}
	w.refs++
	return w
}

func (m *Manager) release(sessionID string, w *sessionWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.refs--
	w.mu.Lock()
	idle := len(w.backlog) == 0 && !w.active
	w.mu.Unlock()
	if w.refs <= 0 && idle {
		delete(m.workers, sessionID)
	}
}

// Enqueue appends a job to sessionID's FIFO backlog, returning its 1-based
// position (1 means it will run next, possibly immediately). The worker
// goroutine is started if this is the session's first pending job.
func (m *Manager) Enqueue(ctx context.Context, sessionID, jobID string, run func(ctx context.Context) error) (*Job, int, error) {
	w := m.acquire(sessionID)
	defer m.release(sessionID, w)

	runCtx, cancel := context.WithCancel(ctx)
	job := &Job{ID: jobID, SessionID: sessionID, Run: run, StartedAt: time.Now(), ctx: runCtx, cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	if m.maxDepth > 0 && len(w.backlog) >= m.maxDepth {
		w.mu.Unlock()
		cancel()
		return nil, 0, ErrQueueFull
	}
	w.backlog = append(w.backlog, job)
	position := len(w.backlog)
	startDrain := !w.active
	if startDrain {
		w.active = true
	}
	w.mu.Unlock()

	m.mu.Lock()
	metrics := m.metrics
	m.mu.Unlock()
	metrics.SetQueueDepth(sessionID, position)

	if startDrain {
		go m.drain(sessionID, w)
	}
	return job, position, nil
}

func (m *Manager) drain(sessionID string, w *sessionWorker) {
	for {
		w.mu.Lock()
		if len(w.backlog) == 0 {
			w.active = false
			w.mu.Unlock()
			return
		}
		job := w.backlog[0]
		w.backlog = w.backlog[1:]
		depth := len(w.backlog)
		w.mu.Unlock()

		m.mu.Lock()
		metrics := m.metrics
		m.mu.Unlock()
		metrics.SetQueueDepth(sessionID, depth)

		m.runJob(job)
	}
}

func (m *Manager) runJob(job *Job) {
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			job.err = fmt.Errorf("queue: job %s panicked: %v", job.ID, r)
		}
	}()

	if job.ctx.Err() != nil {
		job.err = ErrCancelled
		return
	}
	job.err = job.Run(job.ctx)
}
