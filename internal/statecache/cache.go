// Package statecache materializes each session's SessionState as a single
// JSON blob on disk, the fast path the agent loop reads from instead of
// replaying the whole event log. Grounded on the teacher's
// internal/pairing store.go atomic write-temp-then-rename pattern.
package statecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/relaygate/conduit/pkg/model"
)

// Cache is a directory of per-session state blobs, one file per session.
type Cache struct {
	mu  sync.Mutex
	dir string
}

// New returns a Cache rooted at dir, creating it if absent.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statecache: mkdir %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(sessionID string) string {
	return filepath.Join(c.dir, sessionID+".json")
}

// Load reads sessionID's materialized state, or nil, false if absent.
func (c *Cache) Load(sessionID string) (*model.SessionState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := os.ReadFile(c.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("statecache: read %s: %w", sessionID, err)
	}
	var st model.SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("statecache: decode %s: %w", sessionID, err)
	}
	return &st, true, nil
}

// GetOrCreate loads sessionID's state, creating and persisting a fresh one
// if none exists yet.
func (c *Cache) GetOrCreate(sessionID string) (*model.SessionState, error) {
	st, ok, err := c.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if ok {
		return st, nil
	}
	fresh := model.NewSessionState(sessionID)
	if err := c.Save(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Save atomically persists st, writing to a temp file in the same
// directory and renaming over the target so readers never observe a
// partial write.
func (c *Cache) Save(st *model.SessionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	path := c.path(st.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("statecache: write %s: %w", st.SessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statecache: rename %s: %w", st.SessionID, err)
	}
	return nil
}

// List returns every session's materialized state, most recently updated
// first, used by the gateway's sessions.list command since this cache is
// the only enumerable record of which sessions exist.
func (c *Cache) List() ([]*model.SessionState, error) {
	c.mu.Lock()
	entries, err := os.ReadDir(c.dir)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("statecache: readdir %s: %w", c.dir, err)
	}

	var out []*model.SessionState
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".json")
		st, ok, err := c.Load(sessionID)
		if err != nil || !ok {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes sessionID's state blob, if present.
func (c *Cache) Delete(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
