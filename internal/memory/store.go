// Package memory implements long-term memory ingestion and hybrid
// lexical+vector retrieval. Grounded on the teacher's internal/memory
// package (Manager/Config/NewManager/Index/Search shape) and
// internal/memory/backend/sqlitevec (manual cosine similarity,
// modernc.org/sqlite usage), reworked from the teacher's swappable
// vector-only backend (sqlite-vec/pgvector/lancedb) into the spec's fixed
// JSONL-on-disk store plus an in-process lexical and vector index pair.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaygate/conduit/pkg/model"
)

// Store is the system of record for extracted memory items: one
// append-only JSONL file per calendar day, sharded the way the teacher's
// own trace files are written (append, flush, never rewrite).
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore returns a Store rooted at dir (e.g. "<data>/memory/facts"),
// creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) shardPath(day time.Time) string {
	return filepath.Join(s.dir, day.UTC().Format("2006-01-02")+".jsonl")
}

// Append persists item to its calendar-day shard.
func (s *Store) Append(item model.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.shardPath(item.Timestamp)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open shard %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// LoadAll reads every memory item across all day shards, oldest first.
// Used to rebuild the in-process lexical/vector indices on startup.
func (s *Store) LoadAll() ([]model.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("memory: read dir %s: %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var items []model.MemoryItem
	for _, name := range names {
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var item model.MemoryItem
			if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
				f.Close()
				return nil, fmt.Errorf("memory: decode %s: %w", name, err)
			}
			items = append(items, item)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}
