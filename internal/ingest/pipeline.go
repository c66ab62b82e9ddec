// Package ingest turns uploaded documents into searchable passages.
//
// The pipeline extracts text, splits it into passages, embeds the passages in
// batches, and swaps the document's index entries atomically: vectors are
// collected up front and written last, so a failed run never leaves a
// partially indexed document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/verityai/verity/internal/chunk"
	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/provider"
)

// ErrIngestion wraps any failure inside the pipeline.
var ErrIngestion = errors.New("ingestion failed")

// Document is an uploaded source document.
type Document struct {
	ID        string
	Name      string
	MediaType string
	Data      []byte
}

// RetryConfig configures the embedding retry loop.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Config configures the pipeline.
type Config struct {
	// BatchSize is the number of passages embedded per provider call.
	BatchSize int

	// Timeout bounds one document's ingestion end to end. Zero disables it.
	Timeout time.Duration

	Retry RetryConfig
}

// Pipeline ingests documents. Safe for concurrent use; runs for the same
// document ID are serialized.
type Pipeline struct {
	chunker  *chunk.Chunker
	embedder provider.Embedder
	index    index.Index
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*docLock
}

// docLock is a per-document mutex with a waiter count so idle entries can
// be dropped from the map.
type docLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a pipeline. limiter may be nil to disable rate limiting.
func New(chunker *chunk.Chunker, embedder provider.Embedder, idx index.Index, cfg Config, limiter *rate.Limiter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Pipeline{
		chunker:  chunker,
		embedder: embedder,
		index:    idx,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		locks:    make(map[string]*docLock),
	}
}

// Ingest processes one document and returns the number of passages indexed.
// Re-ingesting an existing document ID replaces its previous passages.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (int, error) {
	if doc.ID == "" {
		return 0, fmt.Errorf("%w: document ID is required", ErrIngestion)
	}

	unlock := p.lockDocument(doc.ID)
	defer unlock()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()

	text, err := ExtractText(doc.Name, doc.MediaType, doc.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIngestion, err)
	}

	passages := p.chunker.Split(doc.ID, text)
	if len(passages) == 0 {
		return 0, fmt.Errorf("%w: document %q has no extractable content", ErrIngestion, doc.ID)
	}

	// Collect every vector before touching the index.
	entries := make([]index.Entry, 0, len(passages))
	for batchStart := 0; batchStart < len(passages); batchStart += p.cfg.BatchSize {
		batchEnd := min(batchStart+p.cfg.BatchSize, len(passages))
		batch := passages[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, passage := range batch {
			texts[i] = passage.Text
		}

		vectors, err := p.embedWithRetry(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("%w: embedding batch %d: %w", ErrIngestion, batchStart/p.cfg.BatchSize, err)
		}
		for i, passage := range batch {
			entries = append(entries, index.Entry{Passage: passage, Vector: vectors[i]})
		}
	}

	// Swap generations: drop the old one, then write. A failed write rolls
	// back to zero passages rather than a mixed generation.
	if err := p.index.DeleteDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("%w: clearing previous passages: %w", ErrIngestion, err)
	}
	if err := p.index.Upsert(ctx, entries); err != nil {
		if delErr := p.index.DeleteDocument(context.WithoutCancel(ctx), doc.ID); delErr != nil {
			p.logger.Error("rollback failed after upsert error",
				"document_id", doc.ID, "error", delErr)
		}
		return 0, fmt.Errorf("%w: indexing passages: %w", ErrIngestion, err)
	}

	p.logger.Info("document ingested",
		"document_id", doc.ID,
		"passages", len(entries),
		"elapsed", time.Since(start))
	return len(entries), nil
}

// Delete removes a document's passages from the index.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	unlock := p.lockDocument(documentID)
	defer unlock()

	if err := p.index.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("%w: deleting document %q: %w", ErrIngestion, documentID, err)
	}
	p.logger.Info("document deleted", "document_id", documentID)
	return nil
}

// embedWithRetry calls the embedder with exponential backoff. Each attempt
// waits on the rate limiter, including retries.
func (p *Pipeline) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := p.cfg.Retry.InitialInterval

	for attempt := 0; attempt <= p.cfg.Retry.MaxRetries; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !provider.Retryable(err) {
			return nil, err
		}
		if attempt == p.cfg.Retry.MaxRetries {
			break
		}

		p.logger.Debug("retrying embedding after error",
			"attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, p.cfg.Retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("embedding after %d retries: %w", p.cfg.Retry.MaxRetries, lastErr)
}

// lockDocument serializes pipeline runs per document ID. The map entry is
// removed once the last holder releases it, so the map stays bounded by the
// number of in-flight documents.
func (p *Pipeline) lockDocument(documentID string) func() {
	p.mu.Lock()
	lock, ok := p.locks[documentID]
	if !ok {
		lock = &docLock{}
		p.locks[documentID] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		p.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(p.locks, documentID)
		}
		p.mu.Unlock()
	}
}
