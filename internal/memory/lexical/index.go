// Package lexical implements the BM25-ranked full-text side of hybrid
// memory search. No embeddable full-text search library (e.g. bleve)
// appears anywhere in the retrieval pack, so this repurposes
// modernc.org/sqlite — already a pack dependency, used by the teacher's
// sqlitevec backend for vector storage — for its built-in FTS5 virtual
// table instead, which gives bm25() ranking for free without adding a
// new third-party dependency.
package lexical

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Index is a single FTS5 virtual table mapping memory item id -> content.
type Index struct {
	db *sql.DB
}

// Open creates (or opens, if path already exists) the FTS5 index at path.
// path may be ":memory:" for an ephemeral, process-local index.
func Open(path string) (*Index, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lexical: open %s: %w", path, err)
	}
	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	_, err := idx.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			item_id UNINDEXED,
			content,
			tags
		)
	`)
	if err != nil {
		return fmt.Errorf("lexical: create fts5 table: %w", err)
	}
	return nil
}

// Index inserts or replaces the searchable text for itemID. FTS5 has no
// native upsert, so a stale row for the same item is deleted first.
func (idx *Index) Index(ctx context.Context, itemID, content, tags string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("lexical: delete stale row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory_fts (item_id, content, tags) VALUES (?, ?, ?)`, itemID, content, tags); err != nil {
		return fmt.Errorf("lexical: insert: %w", err)
	}
	return tx.Commit()
}

// Result is one BM25-ranked hit. Score is the negated bm25() value (more
// negative is a better match in SQLite's convention), normalized here to
// "higher is better" for callers.
type Result struct {
	ItemID string
	Score  float64
}

// Search runs a full-text query and returns up to limit hits ranked by
// bm25() score.
func (idx *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT item_id, bm25(memory_fts) AS rank
		FROM memory_fts
		WHERE memory_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical: search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rawRank float64
		if err := rows.Scan(&r.ItemID, &rawRank); err != nil {
			return nil, err
		}
		r.Score = -rawRank
		results = append(results, r)
	}
	return results, rows.Err()
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
