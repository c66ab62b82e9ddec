// Package index stores (vector, passage) tuples and serves top-k similarity
// search over them.
//
// Two implementations share one contract: Memory for tests and single-node
// deployments, Postgres (pgvector) for durable storage. An index is bound at
// construction to one embedding dimensionality and model version; vectors
// from any other configuration are rejected, never silently skipped.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/verityai/verity/internal/chunk"
)

// Sentinel errors, checked with errors.Is().
var (
	// ErrDimensionMismatch indicates a vector whose width differs from the
	// index configuration. This is a fatal configuration error, not retried.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrModelMismatch indicates a vector produced by a different embedding
	// model version than the index was built with.
	ErrModelMismatch = errors.New("embedding model version mismatch")
)

// Metric selects the similarity function.
type Metric string

const (
	// MetricCosine ranks by cosine similarity.
	MetricCosine Metric = "cosine"

	// MetricDot ranks by inner product.
	MetricDot Metric = "dot"
)

// Entry is a passage paired with its embedding vector.
type Entry struct {
	Passage chunk.Passage
	Vector  []float32
}

// Match is a single retrieval result.
type Match struct {
	Passage chunk.Passage
	Score   float32 // similarity, non-increasing by rank
}

// SearchOption configures search behavior using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	documentIDs []string
}

// WithDocuments restricts search to passages owned by the given document IDs.
// An empty list means no restriction.
func WithDocuments(ids ...string) SearchOption {
	return func(c *searchConfig) {
		c.documentIDs = append(c.documentIDs, ids...)
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Index is the vector index contract.
//
// Reads are safe to run concurrently. Writes for the same document must be
// externally serialized by the caller (the ingestion pipeline holds a
// per-document lock); implementations additionally guarantee their own
// internal consistency.
type Index interface {
	// Upsert inserts or replaces entries, idempotent by passage ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns up to k matches ranked by non-increasing score.
	// Ties on equal score are broken by passage ordinal, earlier wins.
	// k <= 0 returns an empty result and no error.
	Search(ctx context.Context, query []float32, k int, opts ...SearchOption) ([]Match, error)

	// DeleteDocument removes all passages owned by the document.
	// Deleting an unknown document is a no-op.
	DeleteDocument(ctx context.Context, documentID string) error

	// Count reports the number of stored passages, optionally filtered.
	Count(ctx context.Context, opts ...SearchOption) (int, error)
}

// guardDimension validates a vector against the configured width.
func guardDimension(dim int, vector []float32) error {
	if len(vector) != dim {
		return fmt.Errorf("%w: got %d, index configured for %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}
