package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	TTL    time.Duration
	Window Window

	// JanitorInterval overrides the eviction sweep cadence. Zero derives it
	// from the TTL.
	JanitorInterval time.Duration
}

type memorySession struct {
	turns    []Turn
	lastSeen time.Time
}

// Memory is a map-backed session store with TTL eviction. Safe for
// concurrent use.
type Memory struct {
	cfg    MemoryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*memorySession

	done     chan struct{}
	stopOnce sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-process store and starts its eviction janitor.
// Call Shutdown to stop the janitor goroutine.
func NewMemory(cfg MemoryConfig, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = cfg.TTL / 4
		if cfg.JanitorInterval < time.Second {
			cfg.JanitorInterval = time.Second
		}
	}

	m := &Memory{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*memorySession),
		done:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Append records a turn, creating the session on first use.
func (m *Memory) Append(_ context.Context, sessionID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	turn.PassageIDs = append([]string(nil), turn.PassageIDs...)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		m.sessions[sessionID] = sess
		m.logger.Debug("created session", "session_id", sessionID)
	}
	sess.turns = append(sess.turns, turn)
	sess.lastSeen = time.Now()
	return nil
}

// Context returns the windowed history, oldest first. Reading a session
// refreshes its TTL.
func (m *Memory) Context(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	sess.lastSeen = time.Now()
	return m.cfg.Window.apply(sess.turns), nil
}

// Close discards the session. Closing an unknown session is a no-op.
func (m *Memory) Close(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Shutdown stops the eviction janitor. Idempotent.
func (m *Memory) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	cutoff := time.Now().Add(-m.cfg.TTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
			m.logger.Debug("evicted expired session", "session_id", id)
		}
	}
}
