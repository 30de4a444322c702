package lexical

import (
	"context"
	"testing"
)

func TestIndexAndSearchFindsMatchingContent(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	if err := idx.Index(ctx, "1", "the user prefers dark mode in the editor", "preference"); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx.Index(ctx, "2", "deployment runs every Friday at 5pm", "project"); err != nil {
		t.Fatalf("Index: %v", err)
	}

	results, err := idx.Search(ctx, "dark mode", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ItemID != "1" {
		t.Fatalf("expected item 1 to match, got %+v", results)
	}
}

func TestIndexReplacesStaleRow(t *testing.T) {
	idx, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	if err := idx.Index(ctx, "1", "original content about cats", ""); err != nil {
		t.Fatal(err)
	}
	if err := idx.Index(ctx, "1", "updated content about dogs", ""); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, "cats", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected stale content gone, got %+v", results)
	}
	results, err = idx.Search(ctx, "dogs", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected updated content to match, got %+v", results)
	}
}
