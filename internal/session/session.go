// Package session provides per-conversation short-term memory.
//
// A session is created lazily on first append, windowed on read, and evicted
// after a period of inactivity. Eviction is irrevocable; a later append under
// the same ID starts an empty conversation.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Role constants for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrSessionBusy indicates a run is already in flight for the session.
	ErrSessionBusy = errors.New("session busy")
)

// Turn is one utterance in a conversation. Assistant turns carry the IDs of
// the passages that grounded the answer.
type Turn struct {
	Role       string
	Content    string
	PassageIDs []string
	CreatedAt  time.Time
}

// Store persists conversation turns. Append-only: turns are never edited.
type Store interface {
	// Append records a turn, creating the session if needed.
	Append(ctx context.Context, sessionID string, turn Turn) error

	// Context returns the windowed conversation history, oldest first.
	// An unknown session yields an empty history, not an error.
	Context(ctx context.Context, sessionID string) ([]Turn, error)

	// Close discards the session and its history.
	Close(ctx context.Context, sessionID string) error
}

// Gate enforces single-flight execution per session. Concurrent requests for
// the same session are rejected rather than queued.
type Gate struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{inflight: make(map[string]struct{})}
}

// Acquire claims the session for one run. Returns ErrSessionBusy if a run is
// already in flight.
func (g *Gate) Acquire(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[sessionID]; busy {
		return ErrSessionBusy
	}
	g.inflight[sessionID] = struct{}{}
	return nil
}

// Release frees the session after a run. Releasing an unclaimed session is a
// no-op.
func (g *Gate) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, sessionID)
}
