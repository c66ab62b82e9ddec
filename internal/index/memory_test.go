package index

import (
	"context"
	"errors"
	"testing"

	"github.com/verityai/verity/internal/chunk"
)

func entry(docID string, ordinal int, text string, vec []float32) Entry {
	return Entry{
		Passage: chunk.Passage{
			ID:         chunk.PassageID(docID, ordinal),
			DocumentID: docID,
			Ordinal:    ordinal,
			Text:       text,
		},
		Vector: vec,
	}
}

func TestMemory_UpsertAndCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "alpha", []float32{1, 0, 0}),
		entry("doc-a", 1, "beta", []float32{0, 1, 0}),
		entry("doc-b", 0, "gamma", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	n, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	n, err = m.Count(ctx, WithDocuments("doc-a"))
	if err != nil {
		t.Fatalf("Count(doc-a) error = %v", err)
	}
	if n != 2 {
		t.Errorf("Count(doc-a) = %d, want 2", n)
	}
}

func TestMemory_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	first := entry("doc-a", 0, "old text", []float32{1, 0, 0})
	if err := m.Upsert(ctx, []Entry{first}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	replaced := entry("doc-a", 0, "new text", []float32{0, 1, 0})
	if err := m.Upsert(ctx, []Entry{replaced}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	n, _ := m.Count(ctx)
	if n != 1 {
		t.Fatalf("Count() = %d after re-upsert, want 1", n)
	}

	matches, err := m.Search(ctx, []float32{0, 1, 0}, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if matches[0].Passage.Text != "new text" {
		t.Errorf("passage text = %q, want re-upserted content", matches[0].Passage.Text)
	}
}

func TestMemory_UpsertDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "ok", []float32{1, 0, 0}),
		entry("doc-a", 1, "bad", []float32{1, 0}),
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Upsert() error = %v, want ErrDimensionMismatch", err)
	}

	// A failed batch must not partially apply.
	n, _ := m.Count(ctx)
	if n != 0 {
		t.Errorf("Count() = %d after failed batch, want 0", n)
	}
}

func TestMemory_SearchDimensionMismatch(t *testing.T) {
	m := NewMemory(3, "embed-v1", MetricCosine)
	_, err := m.Search(context.Background(), []float32{1, 0}, 1)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Search() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemory_SearchZeroK(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)
	if err := m.Upsert(ctx, []Entry{entry("doc-a", 0, "alpha", []float32{1, 0, 0})}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	matches, err := m.Search(ctx, []float32{1, 0, 0}, 0)
	if err != nil {
		t.Fatalf("Search(k=0) error = %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Search(k=0) returned %d matches, want 0", len(matches))
	}
}

func TestMemory_SearchRanking(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "exact", []float32{1, 0, 0}),
		entry("doc-a", 1, "close", []float32{0.9, 0.1, 0}),
		entry("doc-a", 2, "far", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	matches, err := m.Search(ctx, []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("Search() returned %d matches, want 3", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("scores not non-increasing: %v then %v", matches[i-1].Score, matches[i].Score)
		}
	}
	if matches[0].Passage.Text != "exact" {
		t.Errorf("top match = %q, want %q", matches[0].Passage.Text, "exact")
	}
}

func TestMemory_SearchTieBreakByOrdinal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	// Identical vectors produce identical scores; ordinal decides order.
	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 5, "later", []float32{1, 0, 0}),
		entry("doc-a", 2, "earlier", []float32{1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	for range 10 {
		matches, err := m.Search(ctx, []float32{1, 0, 0}, 2)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if matches[0].Passage.Ordinal != 2 || matches[1].Passage.Ordinal != 5 {
			t.Fatalf("tie-break order = [%d, %d], want [2, 5]",
				matches[0].Passage.Ordinal, matches[1].Passage.Ordinal)
		}
	}
}

func TestMemory_SearchDocumentFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "alpha", []float32{1, 0, 0}),
		entry("doc-b", 0, "beta", []float32{1, 0, 0}),
		entry("doc-c", 0, "gamma", []float32{1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	matches, err := m.Search(ctx, []float32{1, 0, 0}, 10, WithDocuments("doc-b", "doc-c"))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search(filter) returned %d matches, want 2", len(matches))
	}
	for _, match := range matches {
		if match.Passage.DocumentID == "doc-a" {
			t.Errorf("filtered search returned excluded document %q", match.Passage.DocumentID)
		}
	}
}

func TestMemory_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, "embed-v1", MetricCosine)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "alpha", []float32{1, 0, 0}),
		entry("doc-a", 1, "beta", []float32{0, 1, 0}),
		entry("doc-b", 0, "gamma", []float32{0, 0, 1}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := m.DeleteDocument(ctx, "doc-a"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	n, _ := m.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d after delete, want 1", n)
	}
	matches, _ := m.Search(ctx, []float32{1, 0, 0}, 10)
	for _, match := range matches {
		if match.Passage.DocumentID == "doc-a" {
			t.Errorf("deleted document still searchable")
		}
	}

	// Deleting an absent document is not an error.
	if err := m.DeleteDocument(ctx, "doc-missing"); err != nil {
		t.Errorf("DeleteDocument(missing) error = %v", err)
	}
}

func TestMemory_DotMetric(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, "embed-v1", MetricDot)

	err := m.Upsert(ctx, []Entry{
		entry("doc-a", 0, "big", []float32{3, 0}),
		entry("doc-a", 1, "small", []float32{1, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	matches, err := m.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	// Dot product rewards magnitude, unlike cosine.
	if matches[0].Passage.Text != "big" {
		t.Errorf("top match = %q, want %q", matches[0].Passage.Text, "big")
	}
}
