package eventlog

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/relaygate/conduit/pkg/model"
)

func newEvent(t *testing.T, typ model.EventType) model.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"x": "y"})
	if err != nil {
		t.Fatal(err)
	}
	return model.Event{Type: typ, Timestamp: time.Now(), Payload: payload}
}

func TestAppendAndReplayPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "sess-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := log.Append(newEvent(t, model.EventMessage)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	events, err := ReplaySession(dir, "sess-1")
	if err != nil {
		t.Fatalf("ReplaySession: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestOpenReaderSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	_ = log.Append(newEvent(t, model.EventMessage))
	log.Close()

	r, closeFn, err := OpenReader(dir, "sess-2")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer closeFn()
	if r.Header().SessionID != "sess-2" {
		t.Fatalf("unexpected header: %+v", r.Header())
	}
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != model.EventMessage {
		t.Fatalf("unexpected event type: %v", ev.Type)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestRotateMovesLogAndReopensEmpty(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, "sess-3")
	if err != nil {
		t.Fatal(err)
	}
	_ = log.Append(newEvent(t, model.EventMessage))
	log.Close()

	fresh, err := Rotate(dir, "sess-3", time.Now())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	defer fresh.Close()

	size, err := fresh.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size == 0 {
		t.Fatal("expected fresh log to contain at least a header line")
	}

	events, err := ReplaySession(dir, "sess-3")
	if err != nil {
		t.Fatalf("ReplaySession after rotate: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected rotated-in log to be empty of events, got %d", len(events))
	}

	idx, err := loadArchiveIndex(dir)
	if err != nil {
		t.Fatalf("loadArchiveIndex: %v", err)
	}
	if len(idx.Entries) != 1 {
		t.Fatalf("expected 1 archive entry, got %d", len(idx.Entries))
	}
}

func TestPruneKeepsMaxFilesRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	idx := &ArchiveIndex{}
	for i := 0; i < 5; i++ {
		idx.Entries = append(idx.Entries, ArchiveIndexEntry{
			SessionID: "s",
			Path:      dir + "/archives/old.jsonl",
			RotatedAt: now.AddDate(0, 0, -100-i),
		})
	}
	if err := saveArchiveIndex(dir, idx); err != nil {
		t.Fatal(err)
	}
	if err := Prune(dir, 30, 2, now); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	kept, err := loadArchiveIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept.Entries) != 2 {
		t.Fatalf("expected 2 entries kept by max-files floor, got %d", len(kept.Entries))
	}
}
