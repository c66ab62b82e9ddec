package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/verityai/verity/internal/chunk"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertPassageSQL replaces a passage in place; idempotent by passage ID.
const upsertPassageSQL = `INSERT INTO passages (id, document_id, ordinal, content, overlap, embedding, model_version)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		ordinal = EXCLUDED.ordinal,
		content = EXCLUDED.content,
		overlap = EXCLUDED.overlap,
		embedding = EXCLUDED.embedding,
		model_version = EXCLUDED.model_version`

// Postgres is a pgvector-backed index.
//
// Safe for concurrent use; the database serializes row-level writes and the
// ingestion pipeline additionally holds a per-document lock.
type Postgres struct {
	db     querier
	dim    int
	model  string
	metric Metric
	logger *slog.Logger
}

var _ Index = (*Postgres)(nil)

// NewPostgres creates a pgvector index bound to one embedding configuration.
// It verifies that any vectors already on disk were produced by the same
// embedding model version; a mismatch is a fatal configuration error.
func NewPostgres(ctx context.Context, db querier, dim int, model string, metric Metric, logger *slog.Logger) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metric == "" {
		metric = MetricCosine
	}

	p := &Postgres{db: db, dim: dim, model: model, metric: metric, logger: logger}

	// The column width is fixed by the migration; a differently sized
	// embedder would fail on every write, so reject it at open.
	var width int
	err := db.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'passages'::regclass AND attname = 'embedding'`,
	).Scan(&width)
	if err != nil {
		return nil, fmt.Errorf("checking embedding column width: %w", err)
	}
	if width > 0 && width != dim {
		return nil, fmt.Errorf("%w: embedding column is vector(%d), embedder produces %d dimensions",
			ErrDimensionMismatch, width, dim)
	}

	var stored string
	err = db.QueryRow(ctx,
		`SELECT model_version FROM passages WHERE model_version <> $1 LIMIT 1`, model,
	).Scan(&stored)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: index contains vectors from %q, configured for %q",
			ErrModelMismatch, stored, model)
	case errors.Is(err, pgx.ErrNoRows):
		// All stored vectors (if any) match the configured model.
	default:
		return nil, fmt.Errorf("checking stored model version: %w", err)
	}

	return p, nil
}

// Upsert inserts or replaces entries, idempotent by passage ID.
func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if err := guardDimension(p.dim, e.Vector); err != nil {
			return err
		}
	}

	for _, e := range entries {
		vec := pgvector.NewVector(e.Vector)
		_, err := p.db.Exec(ctx, upsertPassageSQL,
			e.Passage.ID, e.Passage.DocumentID, e.Passage.Ordinal,
			e.Passage.Text, e.Passage.Overlap, &vec, p.model)
		if err != nil {
			return fmt.Errorf("upserting passage %q: %w", e.Passage.ID, err)
		}
	}

	p.logger.Debug("upserted passages", "count", len(entries))
	return nil
}

// Search returns up to k matches ranked by non-increasing score.
func (p *Postgres) Search(ctx context.Context, query []float32, k int, opts ...SearchOption) ([]Match, error) {
	if err := guardDimension(p.dim, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	cfg := buildSearchConfig(opts)

	// pgvector operators are distances: <=> is cosine distance, <#> is the
	// negated inner product. Both order ascending = most similar first.
	var scoreExpr, distExpr string
	switch p.metric {
	case MetricDot:
		scoreExpr = "-(embedding <#> $1)"
		distExpr = "embedding <#> $1"
	default:
		scoreExpr = "1 - (embedding <=> $1)"
		distExpr = "embedding <=> $1"
	}

	vec := pgvector.NewVector(query)
	sql := fmt.Sprintf(`SELECT id, document_id, ordinal, content, overlap, %s AS score
		FROM passages`, scoreExpr)
	args := []any{&vec}

	if len(cfg.documentIDs) > 0 {
		sql += ` WHERE document_id = ANY($2)`
		args = append(args, cfg.documentIDs)
	}

	// Ordinal breaks score ties deterministically, earlier passage wins.
	sql += fmt.Sprintf(` ORDER BY %s, ordinal, id LIMIT %d`, distExpr, k)

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("searching passages: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Passage.ID, &m.Passage.DocumentID, &m.Passage.Ordinal,
			&m.Passage.Text, &m.Passage.Overlap, &m.Score); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading matches: %w", err)
	}
	return matches, nil
}

// DeleteDocument removes all passages owned by the document.
func (p *Postgres) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM passages WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("deleting passages for document %q: %w", documentID, err)
	}
	p.logger.Debug("deleted document passages", "document_id", documentID, "count", tag.RowsAffected())
	return nil
}

// Count reports the number of stored passages, optionally filtered.
func (p *Postgres) Count(ctx context.Context, opts ...SearchOption) (int, error) {
	cfg := buildSearchConfig(opts)

	var (
		n   int64
		err error
	)
	if len(cfg.documentIDs) > 0 {
		err = p.db.QueryRow(ctx,
			`SELECT count(*) FROM passages WHERE document_id = ANY($1)`, cfg.documentIDs).Scan(&n)
	} else {
		err = p.db.QueryRow(ctx, `SELECT count(*) FROM passages`).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting passages: %w", err)
	}
	return int(n), nil
}

// DocumentPassages returns a document's passages in ordinal order.
// Used by ingestion audits and tests.
func (p *Postgres) DocumentPassages(ctx context.Context, documentID string) ([]chunk.Passage, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, document_id, ordinal, content, overlap FROM passages
		 WHERE document_id = $1 ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing passages: %w", err)
	}
	defer rows.Close()

	var out []chunk.Passage
	for rows.Next() {
		var p chunk.Passage
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Ordinal, &p.Text, &p.Overlap); err != nil {
			return nil, fmt.Errorf("scanning passage: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
