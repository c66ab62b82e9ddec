package index

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/verityai/verity/internal/chunk"
)

// Memory is an in-memory vector index.
//
// Reads run concurrently under an RWMutex; writes are serialized. Intended
// for tests and single-node deployments without Postgres.
type Memory struct {
	dim    int
	model  string
	metric Metric

	mu      sync.RWMutex
	entries map[string]Entry // keyed by passage ID
}

var _ Index = (*Memory)(nil)

// NewMemory creates an in-memory index bound to one embedding configuration.
func NewMemory(dim int, model string, metric Metric) *Memory {
	if metric == "" {
		metric = MetricCosine
	}
	return &Memory{
		dim:     dim,
		model:   model,
		metric:  metric,
		entries: make(map[string]Entry),
	}
}

// Upsert inserts or replaces entries, idempotent by passage ID.
func (m *Memory) Upsert(_ context.Context, entries []Entry) error {
	// Validate everything before touching state so a bad batch leaves the
	// index unchanged.
	for _, e := range entries {
		if err := guardDimension(m.dim, e.Vector); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Passage.ID] = e
	}
	return nil
}

// Search returns up to k matches ranked by non-increasing score.
func (m *Memory) Search(_ context.Context, query []float32, k int, opts ...SearchOption) ([]Match, error) {
	if err := guardDimension(m.dim, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	cfg := buildSearchConfig(opts)

	m.mu.RLock()
	matches := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		if !cfg.allows(e.Passage.DocumentID) {
			continue
		}
		matches = append(matches, Match{
			Passage: e.Passage,
			Score:   m.similarity(query, e.Vector),
		})
	}
	m.mu.RUnlock()

	// Rank by score desc; ties by ordinal asc (earlier wins), then ID for
	// full determinism across documents.
	slices.SortFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.Passage.Ordinal != b.Passage.Ordinal:
			return a.Passage.Ordinal - b.Passage.Ordinal
		default:
			return strings.Compare(a.Passage.ID, b.Passage.ID)
		}
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// DeleteDocument removes all passages owned by the document.
func (m *Memory) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.Passage.DocumentID == documentID {
			delete(m.entries, id)
		}
	}
	return nil
}

// Count reports the number of stored passages, optionally filtered.
func (m *Memory) Count(_ context.Context, opts ...SearchOption) (int, error) {
	cfg := buildSearchConfig(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(cfg.documentIDs) == 0 {
		return len(m.entries), nil
	}
	n := 0
	for _, e := range m.entries {
		if cfg.allows(e.Passage.DocumentID) {
			n++
		}
	}
	return n, nil
}

// Passages returns the stored passages for a document in ordinal order.
// Test and audit helper.
func (m *Memory) Passages(documentID string) []chunk.Passage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []chunk.Passage
	for _, e := range m.entries {
		if e.Passage.DocumentID == documentID {
			out = append(out, e.Passage)
		}
	}
	slices.SortFunc(out, func(a, b chunk.Passage) int { return a.Ordinal - b.Ordinal })
	return out
}

func (c *searchConfig) allows(documentID string) bool {
	if len(c.documentIDs) == 0 {
		return true
	}
	return slices.Contains(c.documentIDs, documentID)
}

func (m *Memory) similarity(a, b []float32) float32 {
	switch m.metric {
	case MetricDot:
		return dot(a, b)
	default:
		return cosine(a, b)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosine(a, b []float32) float32 {
	var dotSum, normA, normB float64
	for i := range a {
		dotSum += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotSum / (math.Sqrt(normA) * math.Sqrt(normB)))
}
