// Package supervisor runs the gateway's periodic maintenance: event-log
// rotation and pruning, memory-extraction embedding backfill, and
// stale-run reaping. Grounded on the teacher's internal/tasks/scheduler.go
// Scheduler (cronParser construction, Start/Stop-with-context shape),
// narrowed from that file's DB-backed task/execution model to two fixed
// maintenance cadences over this spec's filesystem stores.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaygate/conduit/internal/eventlog"
	"github.com/relaygate/conduit/internal/memory"
	"github.com/relaygate/conduit/internal/observability"
)

// cronParser supports the 5-field cron grammar (with an optional leading
// seconds field) and the "@every ..."/"@hourly"-style descriptors, the
// same construction as the
// teacher's internal/tasks package-level cronParser.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// RunInfo describes one tracked in-flight run for staleness detection.
type RunInfo struct {
	SessionID string
	RunID     string
	UpdatedAt time.Time
}

// Config configures the supervisor's two maintenance cadences and the
// thresholds its jobs act against. TickSchedule/MaintenanceSchedule are
// cron expressions (commonly "@every 15s"/"@every 60s" per spec.md
// §4.14, but any expression robfig/cron/v3 accepts works, letting an
// operator move maintenance to off-peak cron windows instead of a fixed
// interval).
type Config struct {
	TickSchedule         string
	MaintenanceSchedule  string
	EventLogDir          string
	RotateThresholdBytes int64
	KeepDays             int
	KeepMaxFiles         int
	AttachWindow         time.Duration
	BackfillBatchSize    int
	Logger               *slog.Logger
}

func (c Config) sanitized() Config {
	if c.TickSchedule == "" {
		c.TickSchedule = "@every 15s"
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = "@every 60s"
	}
	if c.RotateThresholdBytes <= 0 {
		c.RotateThresholdBytes = 10 << 20 // 10MiB
	}
	if c.KeepDays <= 0 {
		c.KeepDays = 14
	}
	if c.KeepMaxFiles <= 0 {
		c.KeepMaxFiles = 100
	}
	if c.AttachWindow <= 0 {
		c.AttachWindow = 30 * time.Minute
	}
	if c.BackfillBatchSize <= 0 {
		c.BackfillBatchSize = 50
	}
	return c
}

// Deps collects the subsystems the supervisor drives. SessionIDs,
// StaleRuns, and ReapRun are injected as plain functions rather than
// concrete types from internal/statecache/internal/gateway, keeping this
// package decoupled the same way internal/agent's Emit callback and
// internal/connmgr's Client.Send keep those packages decoupled from
// their callers.
type Deps struct {
	// SessionIDs lists every session with an event log, typically backed
	// by statecache.Cache.List.
	SessionIDs func() ([]string, error)

	// Memory is the long-term memory manager backfill runs against. Nil
	// disables the backfill pass.
	Memory *memory.Manager

	// StaleRuns returns runs whose last update is older than the given
	// attach window, typically backed by the gateway's in-memory
	// active-run registry.
	StaleRuns func(olderThan time.Duration) []RunInfo

	// ReapRun is invoked once per run StaleRuns reported, so the caller
	// can mark it done/cancelled in whatever registry it came from.
	ReapRun func(info RunInfo, reason string)

	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics
}

// Supervisor drives the two maintenance cadences via a robfig/cron/v3
// scheduler, the same library the teacher's task scheduler parses
// schedules with.
type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	cron   *cron.Cron
}

// New returns a Supervisor ready to Start.
func New(cfg Config, deps Deps) *Supervisor {
	cfg = cfg.sanitized()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "supervisor")
	}
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		cron:   cron.New(cron.WithParser(cronParser)),
	}
}

// Start schedules both maintenance jobs and begins running them.
func (s *Supervisor) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.TickSchedule, s.reapStaleRuns); err != nil {
		return fmt.Errorf("supervisor: schedule tick %q: %w", s.cfg.TickSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.MaintenanceSchedule, func() { s.maintain(context.Background()) }); err != nil {
		return fmt.Errorf("supervisor: schedule maintenance %q: %w", s.cfg.MaintenanceSchedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop signals both jobs to stop firing and waits (up to ctx) for any
// currently-running job to finish.
func (s *Supervisor) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reapStaleRuns is the ~15s tick: mark runs whose last update predates
// the attach window as done, per spec.md §4.14.
func (s *Supervisor) reapStaleRuns() {
	if s.deps.StaleRuns == nil {
		return
	}
	for _, r := range s.deps.StaleRuns(s.cfg.AttachWindow) {
		s.logger.Warn("reaping stale run",
			"session_id", r.SessionID, "run_id", r.RunID, "updated_at", r.UpdatedAt)
		if s.deps.ReapRun != nil {
			s.deps.ReapRun(r, "stale")
		}
		s.deps.Metrics.RunReaped()
	}
}

// maintain is the ~60s cycle: event-log rotation/pruning and the memory
// embedding backfill.
func (s *Supervisor) maintain(ctx context.Context) {
	s.rotateAndPrune()
	s.backfillMemory(ctx)
}

func (s *Supervisor) rotateAndPrune() {
	if s.deps.SessionIDs == nil {
		return
	}
	ids, err := s.deps.SessionIDs()
	if err != nil {
		s.logger.Error("list sessions for rotation failed", "error", err)
		return
	}
	now := time.Now()
	for _, id := range ids {
		if err := s.rotateIfOversize(id, now); err != nil {
			s.logger.Error("rotate event log failed", "session_id", id, "error", err)
		}
	}
	if err := eventlog.Prune(s.cfg.EventLogDir, s.cfg.KeepDays, s.cfg.KeepMaxFiles, now); err != nil {
		s.logger.Error("prune archived logs failed", "error", err)
	}
}

func (s *Supervisor) rotateIfOversize(sessionID string, now time.Time) error {
	log, err := eventlog.Open(s.cfg.EventLogDir, sessionID)
	if err != nil {
		return err
	}
	size, err := log.Size()
	if err != nil {
		_ = log.Close()
		return err
	}
	if size < s.cfg.RotateThresholdBytes {
		return log.Close()
	}
	if err := log.Close(); err != nil {
		return err
	}
	rotated, err := eventlog.Rotate(s.cfg.EventLogDir, sessionID, now)
	if err != nil {
		return err
	}
	s.logger.Info("rotated event log", "session_id", sessionID, "size_bytes", size)
	return rotated.Close()
}

func (s *Supervisor) backfillMemory(ctx context.Context) {
	if s.deps.Memory == nil {
		return
	}
	done, err := s.deps.Memory.BackfillEmbeddings(ctx, s.cfg.BackfillBatchSize)
	if err != nil {
		s.logger.Error("memory embedding backfill failed", "error", err)
		return
	}
	if done > 0 {
		s.logger.Info("backfilled memory embeddings", "count", done)
	}
}
