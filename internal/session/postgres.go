package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres persists sessions across restarts. Expiry is enforced lazily: an
// expired session is dropped on its next access instead of by a background
// sweeper.
type Postgres struct {
	db     querier
	ttl    time.Duration
	window Window
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a database-backed session store.
func NewPostgres(db querier, ttl time.Duration, window Window, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Postgres{db: db, ttl: ttl, window: window, logger: logger}
}

// Append records a turn, creating or refreshing the session row.
func (p *Postgres) Append(ctx context.Context, sessionID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if err := p.expireIfStale(ctx, sessionID); err != nil {
		return err
	}

	_, err := p.db.Exec(ctx,
		`INSERT INTO sessions (id) VALUES ($1)
		 ON CONFLICT (id) DO UPDATE SET updated_at = now()`, sessionID)
	if err != nil {
		return fmt.Errorf("upserting session %q: %w", sessionID, err)
	}

	passageIDs := turn.PassageIDs
	if passageIDs == nil {
		passageIDs = []string{}
	}
	_, err = p.db.Exec(ctx,
		`INSERT INTO session_messages (session_id, role, content, passage_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, turn.Role, turn.Content, passageIDs, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending turn to session %q: %w", sessionID, err)
	}
	return nil
}

// Context returns the windowed history, oldest first, refreshing the TTL.
func (p *Postgres) Context(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := p.expireIfStale(ctx, sessionID); err != nil {
		return nil, err
	}

	tag, err := p.db.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("touching session %q: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	// Over-fetch by turn count, then apply the token bound in memory. The
	// token window can only shrink the suffix further.
	q := `SELECT role, content, passage_ids, created_at FROM session_messages
	      WHERE session_id = $1 ORDER BY id DESC`
	args := []any{sessionID}
	if p.window.Turns > 0 {
		q += ` LIMIT $2`
		args = append(args, p.window.Turns)
	}

	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.PassageIDs, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turns: %w", err)
	}

	// Rows arrive newest first; restore chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return p.window.apply(turns), nil
}

// Close discards the session; messages cascade.
func (p *Postgres) Close(ctx context.Context, sessionID string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("closing session %q: %w", sessionID, err)
	}
	return nil
}

func (p *Postgres) expireIfStale(ctx context.Context, sessionID string) error {
	tag, err := p.db.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND updated_at < now() - make_interval(secs => $2)`,
		sessionID, p.ttl.Seconds())
	if err != nil {
		return fmt.Errorf("expiring session %q: %w", sessionID, err)
	}
	if tag.RowsAffected() > 0 {
		p.logger.Debug("evicted expired session", "session_id", sessionID)
	}
	return nil
}
