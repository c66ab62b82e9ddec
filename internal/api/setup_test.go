package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verityai/verity/internal/chunk"
	"github.com/verityai/verity/internal/graph"
	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/ingest"
	"github.com/verityai/verity/internal/log"
	"github.com/verityai/verity/internal/provider"
	"github.com/verityai/verity/internal/session"
)

const testDim = 4

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimension() int { return testDim }
func (stubEmbedder) Model() string  { return "embed-test" }

type genStep struct {
	text string
	err  error
}

type scriptedGenerator struct {
	mu    sync.Mutex
	steps []genStep
}

func (g *scriptedGenerator) next() genStep {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.steps) == 0 {
		return genStep{err: fmt.Errorf("scripted generator exhausted")}
	}
	step := g.steps[0]
	g.steps = g.steps[1:]
	return step
}

func (g *scriptedGenerator) Generate(_ context.Context, _ provider.Request) (string, error) {
	step := g.next()
	return step.text, step.err
}

func (g *scriptedGenerator) Stream(_ context.Context, _ provider.Request) iter.Seq2[string, error] {
	step := g.next()
	return func(yield func(string, error) bool) {
		if step.err != nil {
			yield("", step.err)
			return
		}
		text := step.text
		for len(text) > 0 {
			n := min(8, len(text))
			if !yield(text[:n], nil) {
				return
			}
			text = text[n:]
		}
	}
}

func (g *scriptedGenerator) Model() string { return "gen-test" }

type testEnv struct {
	server   *Server
	sessions *session.Memory
	index    *index.Memory
}

func newTestServer(t *testing.T, steps []genStep) *testEnv {
	t.Helper()

	logger := log.NewNop()
	embedder := stubEmbedder{}
	idx := index.NewMemory(testDim, "embed-test", index.MetricCosine)
	sessions := session.NewMemory(session.MemoryConfig{TTL: time.Minute}, logger)
	t.Cleanup(sessions.Shutdown)

	chunker, err := chunk.New(chunk.Config{MaxLen: 200, Overlap: 20, Granularity: chunk.GranularitySentence})
	if err != nil {
		t.Fatalf("chunk.New() error = %v", err)
	}
	pipeline := ingest.New(chunker, embedder, idx, ingest.Config{
		BatchSize: 4,
		Retry:     ingest.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, nil, logger)

	engine, err := graph.New(embedder, &scriptedGenerator{steps: steps}, idx, sessions, graph.Config{
		TopK:  2,
		Retry: graph.RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, nil, logger)
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}

	srv, err := NewServer(ServerConfig{
		Logger:   logger,
		Engine:   engine,
		Pipeline: pipeline,
		Sessions: sessions,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	return &testEnv{server: srv, sessions: sessions, index: idx}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// parseSSE splits a raw SSE response body into events.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	return events
}

func decodeInto(t *testing.T, data string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(data), v); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
}
