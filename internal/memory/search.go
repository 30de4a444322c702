package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaygate/conduit/internal/memory/lexical"
	"github.com/relaygate/conduit/internal/memory/vector"
	"github.com/relaygate/conduit/pkg/model"
)

// defaultLexicalWeight and defaultVectorWeight are the w_lex/w_vec merge
// weights spec.md §4.5 step 3 names as the default (0.4/0.6); Config's
// LexicalWeight/VectorWeight let an operator override them, but zero
// values fall back to these.
const (
	defaultLexicalWeight = 0.4
	defaultVectorWeight  = 0.6
)

// Config configures the hybrid memory manager. Grounded on the teacher's
// internal/memory Manager/Config (embeddings toggle, search defaults),
// narrowed to this spec's fixed JSONL+FTS5+in-memory-vector stack instead
// of a pluggable backend/embeddings-provider matrix.
type Config struct {
	MinImportance     int
	EmbeddingsEnabled bool
	VectorScanLimit   int
	VectorTopK        int

	// LexicalWeight and VectorWeight are the merge weights from spec.md
	// §4.5 step 3; zero values for both mean "use the documented
	// defaults" (0.4/0.6) rather than zeroing every merged score.
	LexicalWeight float64
	VectorWeight  float64

	// QueryTransformEnabled turns on spec.md §4.5 step 1's optional
	// paraphrase fan-out. Off by default: it costs one extra LLM call
	// per search and needs a provider configured.
	QueryTransformEnabled bool
	// MaxQueryVariants caps how many paraphrases (including the
	// original query) Search fans out across; <=0 means 3, the spec's
	// M<=3 ceiling.
	MaxQueryVariants int
}

// SearchResult is one ranked hybrid-search hit.
type SearchResult struct {
	Item  model.MemoryItem
	Score float64
}

// Manager coordinates ingestion (Store + indices) and hybrid retrieval
// (lexical + vector, weighted merge, rerank).
type Manager struct {
	cfg      Config
	store    *Store
	lexical  *lexical.Index
	vectors  *vector.Index
	embedder model.Embedder
	provider model.LLMProvider

	mu      sync.RWMutex
	byID    map[string]model.MemoryItem
	embedCache *embeddingCache
}

// NewManager wires a Store, lexical index, and vector index into a single
// hybrid search surface, loading any previously persisted items.
func NewManager(cfg Config, store *Store, lex *lexical.Index, vec *vector.Index, embedder model.Embedder, provider model.LLMProvider) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		store:      store,
		lexical:    lex,
		vectors:    vec,
		embedder:   embedder,
		provider:   provider,
		byID:       make(map[string]model.MemoryItem),
		embedCache: newEmbeddingCache(1000),
	}
	items, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("memory: load existing items: %w", err)
	}
	ctx := context.Background()
	for _, item := range items {
		if err := m.indexItem(ctx, item); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Ingest stores a new candidate memory item, enforcing the min-importance
// floor and generating an embedding if embeddings are enabled.
func (m *Manager) Ingest(ctx context.Context, item model.MemoryItem) (model.MemoryItem, error) {
	if item.Importance < m.cfg.MinImportance {
		return model.MemoryItem{}, fmt.Errorf("memory: importance %d below floor %d", item.Importance, m.cfg.MinImportance)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	if m.cfg.EmbeddingsEnabled && m.embedder != nil && len(item.Embedding) == 0 {
		emb, err := m.embedder.Embed(ctx, item.Content)
		if err != nil {
			return model.MemoryItem{}, fmt.Errorf("memory: embed item: %w", err)
		}
		item.Embedding = emb
	}
	if err := m.store.Append(item); err != nil {
		return model.MemoryItem{}, err
	}
	if err := m.indexItem(ctx, item); err != nil {
		return model.MemoryItem{}, err
	}
	return item, nil
}

func (m *Manager) indexItem(ctx context.Context, item model.MemoryItem) error {
	m.mu.Lock()
	m.byID[item.ID] = item
	m.mu.Unlock()

	tags := ""
	for i, t := range item.Tags {
		if i > 0 {
			tags += " "
		}
		tags += t
	}
	if err := m.lexical.Index(ctx, item.ID, item.Content+" "+item.Context, tags); err != nil {
		return fmt.Errorf("memory: lexical index: %w", err)
	}
	if len(item.Embedding) > 0 {
		m.vectors.Upsert(item.ID, item.Embedding)
	}
	return nil
}

// BackfillEmbeddings embeds up to limit currently-unembedded items (those
// ingested while embeddings were disabled, or before an embedder was
// configured), persisting the updated copy and refreshing the vector
// index. It is the supervisor's periodic backfill pass from spec.md
// §4.14; the store is append-only, so a backfilled item is re-appended
// rather than rewritten in place — replay already treats the latest
// occurrence of an id as authoritative via indexItem's map overwrite.
func (m *Manager) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if m.embedder == nil || limit <= 0 {
		return 0, nil
	}

	m.mu.RLock()
	var pending []model.MemoryItem
	for _, item := range m.byID {
		if len(item.Embedding) == 0 {
			pending = append(pending, item)
			if len(pending) >= limit {
				break
			}
		}
	}
	m.mu.RUnlock()

	done := 0
	for _, item := range pending {
		emb, err := m.embedder.Embed(ctx, item.Content)
		if err != nil {
			return done, fmt.Errorf("memory: backfill embed %s: %w", item.ID, err)
		}
		item.Embedding = emb
		if err := m.store.Append(item); err != nil {
			return done, fmt.Errorf("memory: backfill persist %s: %w", item.ID, err)
		}
		if err := m.indexItem(ctx, item); err != nil {
			return done, fmt.Errorf("memory: backfill index %s: %w", item.ID, err)
		}
		done++
	}
	return done, nil
}

// Search implements spec.md §4.5's pipeline: an optional query-transform
// fan-out across up to M query variants (step 1), lexical+vector
// retrieval per variant aggregated by max across variants (steps 2-3),
// a weighted merge (step 3), and a rerank pass to produce the final
// top-K (step 4): an LLM-as-ranker for small candidate pools (<=10), a
// heuristic recency/importance tiebreak above that.
func (m *Manager) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	variants := m.queryVariants(ctx, query)

	lexMax := make(map[string]float64)
	vecMax := make(map[string]float64)

	for _, variant := range variants {
		type sideResult struct {
			results []lexical.Result
			err     error
		}
		lexCh := make(chan sideResult, 1)
		go func(q string) {
			res, err := m.lexical.Search(ctx, q, limit*3)
			lexCh <- sideResult{results: res, err: err}
		}(variant)

		var vecResults []vector.Result
		if m.cfg.EmbeddingsEnabled && m.embedder != nil {
			queryEmbed, err := m.embedFor(ctx, variant)
			if err != nil {
				return nil, fmt.Errorf("memory: embed query: %w", err)
			}
			vecResults = m.vectors.Search(queryEmbed, limit*3, m.cfg.VectorScanLimit)
		}

		lex := <-lexCh
		if lex.err != nil {
			return nil, fmt.Errorf("memory: lexical search: %w", lex.err)
		}

		var runMaxLex float64
		for _, r := range lex.results {
			if r.Score > runMaxLex {
				runMaxLex = r.Score
			}
		}
		for _, r := range lex.results {
			norm := 0.0
			if runMaxLex > 0 {
				norm = r.Score / runMaxLex
			}
			if norm > lexMax[r.ItemID] {
				lexMax[r.ItemID] = norm
			}
		}
		for _, r := range vecResults {
			// Cosine is in [-1,1]; spec.md §4.5 step 3 requires it
			// clamped to >=0 before merging so a merged score can
			// never go non-positive from a negative vector signal.
			clamped := math.Max(0, float64(r.Score))
			if clamped > vecMax[r.ID] {
				vecMax[r.ID] = clamped
			}
		}
	}

	merged := m.mergeScores(lexMax, vecMax)
	candidates := m.toResults(merged)

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > limit*2 {
		candidates = candidates[:limit*2]
	}

	if len(candidates) <= 10 && m.provider != nil {
		return m.rerankWithLLM(ctx, query, candidates, limit)
	}
	return m.rerankHeuristic(candidates, limit), nil
}

// queryVariants implements spec.md §4.5 step 1: the original query is
// always included, optionally joined by up to MaxQueryVariants-1
// LLM-generated paraphrases. Disabled config, a nil provider, or a
// failed/unusable LLM call all fall back to the original query alone.
func (m *Manager) queryVariants(ctx context.Context, query string) []string {
	if !m.cfg.QueryTransformEnabled || m.provider == nil {
		return []string{query}
	}
	maxVariants := m.cfg.MaxQueryVariants
	if maxVariants <= 0 {
		maxVariants = 3
	}

	var resp struct {
		Paraphrases []string `json:"paraphrases"`
	}
	prompt := fmt.Sprintf("Generate up to %d short paraphrases of the following search query, preserving its meaning. Respond with JSON {\"paraphrases\": [...]}.\n\nQuery: %q", maxVariants-1, query)
	if err := m.provider.ChatJSON(ctx, model.CompletionRequest{
		Messages: []model.CompletionMessage{{Role: "user", Content: prompt}},
	}, &resp); err != nil {
		return []string{query}
	}

	variants := []string{query}
	for _, p := range resp.Paraphrases {
		if p == "" || p == query || len(variants) >= maxVariants {
			continue
		}
		variants = append(variants, p)
	}
	return variants
}

func (m *Manager) embedFor(ctx context.Context, query string) ([]float32, error) {
	if v, ok := m.embedCache.get(query); ok {
		return v, nil
	}
	v, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	m.embedCache.set(query, v)
	return v, nil
}

// mergeScores combines the per-variant max-aggregated lexical scores
// (already normalized 0..1 per run) and vector scores (cosine, already
// clamped to >=0) via spec.md §4.5 step 3's weighted sum, defaulting to
// w_lex=0.4/w_vec=0.6 when Config doesn't override them.
func (m *Manager) mergeScores(lexMax, vecMax map[string]float64) map[string]float64 {
	wLex, wVec := m.cfg.LexicalWeight, m.cfg.VectorWeight
	if wLex == 0 && wVec == 0 {
		wLex, wVec = defaultLexicalWeight, defaultVectorWeight
	}

	merged := make(map[string]float64)
	for id, score := range lexMax {
		merged[id] += wLex * score
	}
	for id, score := range vecMax {
		merged[id] += wVec * score
	}
	return merged
}

func (m *Manager) toResults(merged map[string]float64) []SearchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SearchResult, 0, len(merged))
	for id, score := range merged {
		item, ok := m.byID[id]
		if !ok {
			continue
		}
		out = append(out, SearchResult{Item: item, Score: score})
	}
	return out
}

// rerankHeuristic breaks ties among the merge score by importance and
// recency, for candidate pools too large to afford an LLM rerank pass.
func (m *Manager) rerankHeuristic(candidates []SearchResult, limit int) []SearchResult {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if candidates[i].Item.Importance != candidates[j].Item.Importance {
			return candidates[i].Item.Importance > candidates[j].Item.Importance
		}
		return candidates[i].Item.Timestamp.After(candidates[j].Item.Timestamp)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

type rerankResponse struct {
	OrderedIDs []string `json:"ordered_ids"`
}

// rerankWithLLM asks the chat model to reorder a small candidate pool by
// relevance to query, falling back to the merge-score order if the model
// call fails or returns an unusable ordering.
func (m *Manager) rerankWithLLM(ctx context.Context, query string, candidates []SearchResult, limit int) ([]SearchResult, error) {
	byID := make(map[string]SearchResult, len(candidates))
	prompt := fmt.Sprintf("Reorder the following memory candidates from most to least relevant to the query %q. Respond with JSON {\"ordered_ids\": [...]} listing every id exactly once.\n\n", query)
	for _, c := range candidates {
		byID[c.Item.ID] = c
		prompt += fmt.Sprintf("- id=%s: %s\n", c.Item.ID, c.Item.Content)
	}

	var resp rerankResponse
	err := m.provider.ChatJSON(ctx, model.CompletionRequest{
		Messages: []model.CompletionMessage{{Role: "user", Content: prompt}},
	}, &resp)
	if err != nil || len(resp.OrderedIDs) != len(candidates) {
		return m.rerankHeuristic(candidates, limit), nil
	}

	ordered := make([]SearchResult, 0, len(resp.OrderedIDs))
	seen := make(map[string]bool, len(resp.OrderedIDs))
	for _, id := range resp.OrderedIDs {
		r, ok := byID[id]
		if !ok || seen[id] {
			return m.rerankHeuristic(candidates, limit), nil
		}
		seen[id] = true
		ordered = append(ordered, r)
	}
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

// embeddingCache is a bounded FIFO-eviction cache for query embeddings,
// grounded on the teacher's internal/memory manager.go embeddingCache.
type embeddingCache struct {
	mu       sync.RWMutex
	items    map[string][]float32
	order    []string
	capacity int
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{items: make(map[string][]float32), capacity: capacity}
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *embeddingCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = value
}
