package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *Memory {
	t.Helper()
	m := NewMemory(cfg, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func TestGate_SingleFlight(t *testing.T) {
	g := NewGate()

	if err := g.Acquire("s1"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := g.Acquire("s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Acquire() error = %v, want ErrSessionBusy", err)
	}

	// A different session is unaffected.
	if err := g.Acquire("s2"); err != nil {
		t.Errorf("Acquire(s2) error = %v", err)
	}

	g.Release("s1")
	if err := g.Acquire("s1"); err != nil {
		t.Errorf("Acquire() after Release() error = %v", err)
	}
}

func TestMemory_LazyCreateAndAppend(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMemory(t, MemoryConfig{TTL: time.Minute})
	ctx := context.Background()

	// Unknown session reads as empty, not an error.
	turns, err := m.Context(ctx, "fresh")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Context(fresh) = %d turns, want 0", len(turns))
	}

	if err := m.Append(ctx, "s1", Turn{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := m.Append(ctx, "s1", Turn{Role: RoleAssistant, Content: "hi", PassageIDs: []string{"doc:0001"}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	turns, err = m.Context(ctx, "s1")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("Context() = %d turns, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Errorf("turn order = [%s, %s], want [user, assistant]", turns[0].Role, turns[1].Role)
	}
	if turns[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped on append")
	}
	if len(turns[1].PassageIDs) != 1 || turns[1].PassageIDs[0] != "doc:0001" {
		t.Errorf("passage IDs = %v, want [doc:0001]", turns[1].PassageIDs)
	}
	m.Shutdown()
}

func TestMemory_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMemory(t, MemoryConfig{TTL: time.Minute})
	ctx := context.Background()

	if err := m.Append(ctx, "s1", Turn{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := m.Close(ctx, "s1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	turns, err := m.Context(ctx, "s1")
	if err != nil {
		t.Fatalf("Context() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("Context() after Close() = %d turns, want 0", len(turns))
	}

	if err := m.Close(ctx, "never-existed"); err != nil {
		t.Errorf("Close(unknown) error = %v", err)
	}
	m.Shutdown()
}

func TestMemory_TTLEviction(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMemory(t, MemoryConfig{
		TTL:             30 * time.Millisecond,
		JanitorInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	if err := m.Append(ctx, "s1", Turn{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		_, alive := m.sessions["s1"]
		m.mu.Unlock()
		if !alive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not evicted after TTL")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Eviction is irrevocable: the same ID starts a fresh conversation.
	if err := m.Append(ctx, "s1", Turn{Role: RoleUser, Content: "again"}); err != nil {
		t.Fatalf("Append() after eviction error = %v", err)
	}
	turns, _ := m.Context(ctx, "s1")
	if len(turns) != 1 || turns[0].Content != "again" {
		t.Errorf("post-eviction history = %+v, want single fresh turn", turns)
	}
	m.Shutdown()
}

func TestMemory_ShutdownIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMemory(MemoryConfig{TTL: time.Minute}, nil)
	m.Shutdown()
	m.Shutdown()
}

func TestWindow_TurnBound(t *testing.T) {
	w := Window{Turns: 2}
	turns := []Turn{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
	}

	got := w.apply(turns)
	if len(got) != 2 {
		t.Fatalf("apply() = %d turns, want 2", len(got))
	}
	// Contiguous suffix: the two most recent turns.
	if got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("window = [%s, %s], want [two, three]", got[0].Content, got[1].Content)
	}
}

func TestWindow_TokenBound(t *testing.T) {
	long := strings.Repeat("word ", 400)
	w := Window{Turns: 10, Tokens: 50}
	turns := []Turn{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: "short answer"},
		{Role: RoleUser, Content: "short question"},
	}

	got := w.apply(turns)
	if len(got) != 2 {
		t.Fatalf("apply() = %d turns, want 2 (long turn dropped)", len(got))
	}
	if got[0].Content != "short answer" {
		t.Errorf("oldest kept turn = %q, want %q", got[0].Content, "short answer")
	}
}

func TestWindow_MostRecentAlwaysKept(t *testing.T) {
	long := strings.Repeat("word ", 400)
	w := Window{Turns: 10, Tokens: 10}

	got := w.apply([]Turn{{Role: RoleUser, Content: long}})
	if len(got) != 1 {
		t.Fatalf("apply() = %d turns, want 1 (most recent always kept)", len(got))
	}
}

func TestWindow_Unbounded(t *testing.T) {
	w := Window{}
	turns := []Turn{
		{Content: "a"}, {Content: "b"}, {Content: "c"},
	}
	got := w.apply(turns)
	if len(got) != 3 {
		t.Errorf("apply() with zero bounds = %d turns, want all 3", len(got))
	}
}

func TestCountTokens_NonEmptyIsPositive(t *testing.T) {
	if n := CountTokens("hello world"); n <= 0 {
		t.Errorf("CountTokens(non-empty) = %d, want > 0", n)
	}
	if n := CountTokens(""); n != 0 {
		t.Errorf("CountTokens(empty) = %d, want 0", n)
	}
}
