package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/conduit/internal/eventlog"
	"github.com/relaygate/conduit/pkg/model"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReapStaleRunsInvokesReapRunForEachStaleEntry(t *testing.T) {
	var mu sync.Mutex
	var reaped []RunInfo

	s := New(Config{
		TickSchedule:        "@every 20ms",
		MaintenanceSchedule: "@every 1h",
		AttachWindow:        time.Minute,
	}, Deps{
		StaleRuns: func(olderThan time.Duration) []RunInfo {
			if olderThan != time.Minute {
				t.Errorf("expected attach window of 1m, got %s", olderThan)
			}
			return []RunInfo{{SessionID: "sess-1", RunID: "run-1", UpdatedAt: time.Now().Add(-time.Hour)}}
		},
		ReapRun: func(info RunInfo, reason string) {
			mu.Lock()
			defer mu.Unlock()
			reaped = append(reaped, info)
			if reason != "stale" {
				t.Errorf("expected reason=stale, got %q", reason)
			}
		},
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reaped) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if reaped[0].RunID != "run-1" {
		t.Fatalf("expected run-1 reaped, got %+v", reaped[0])
	}
}

func TestMaintainRotatesOversizeLogsAndPrunesArchives(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "sess-big")
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	for i := 0; i < 200; i++ {
		if err := log.Append(model.Event{Type: model.EventMessage, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	size, err := log.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s := New(Config{
		EventLogDir:          dir,
		RotateThresholdBytes: size - 1,
		KeepDays:             14,
		KeepMaxFiles:         100,
	}, Deps{
		SessionIDs: func() ([]string, error) { return []string{"sess-big"}, nil },
	})

	s.rotateAndPrune()

	archives, err := os.ReadDir(filepath.Join(dir, "archives"))
	if err != nil {
		t.Fatalf("read archives dir: %v", err)
	}
	foundArchive := false
	for _, e := range archives {
		if e.Name() != "index.json" {
			foundArchive = true
		}
	}
	if !foundArchive {
		t.Fatal("expected the oversize log to be rotated into archives/")
	}

	fresh, err := eventlog.Open(dir, "sess-big")
	if err != nil {
		t.Fatalf("reopen rotated log: %v", err)
	}
	defer fresh.Close()
	freshSize, err := fresh.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if freshSize >= size {
		t.Fatalf("expected a fresh near-empty log after rotation, got %d bytes (was %d)", freshSize, size)
	}
}

func TestMaintainLeavesUndersizeLogsAlone(t *testing.T) {
	dir := t.TempDir()
	log, err := eventlog.Open(dir, "sess-small")
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	if err := log.Append(model.Event{Type: model.EventMessage, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s := New(Config{
		EventLogDir:          dir,
		RotateThresholdBytes: 10 << 20,
	}, Deps{
		SessionIDs: func() ([]string, error) { return []string{"sess-small"}, nil },
	})

	s.rotateAndPrune()

	if _, err := os.Stat(filepath.Join(dir, "archives")); !os.IsNotExist(err) {
		t.Fatal("expected no archives/ directory to be created for an undersize log")
	}
}

func TestBackfillMemoryIsNoopWithoutAMemoryManager(t *testing.T) {
	s := New(Config{}, Deps{})
	// Must not panic when Memory is nil.
	s.backfillMemory(context.Background())
}

func TestStartRejectsInvalidScheduleExpression(t *testing.T) {
	s := New(Config{TickSchedule: "not a cron expression"}, Deps{})
	if err := s.Start(); err == nil {
		t.Fatal("expected an error for an invalid tick schedule")
	}
}

func TestStopIsIdempotentWithoutStart(t *testing.T) {
	s := New(Config{}, Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop without Start should not error, got %v", err)
	}
}
