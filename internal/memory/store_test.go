package memory

import (
	"testing"
	"time"

	"github.com/relaygate/conduit/pkg/model"
)

func TestAppendShardsByCalendarDay(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	day1 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

	if err := s.Append(model.MemoryItem{ID: "a", Timestamp: day1, Content: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(model.MemoryItem{ID: "b", Timestamp: day2, Content: "two"}); err != nil {
		t.Fatal(err)
	}

	items, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestLoadAllOrdersOldestFirst(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	_ = s.Append(model.MemoryItem{ID: "new", Timestamp: newer, Content: "later"})
	_ = s.Append(model.MemoryItem{ID: "old", Timestamp: older, Content: "earlier"})

	items, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != "old" {
		t.Fatalf("expected old shard first, got %+v", items)
	}
}
