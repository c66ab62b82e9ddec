// Package graph orchestrates one conversational turn as an explicit state
// machine: analyze the message, escalate or retrieve grounding passages,
// assemble the prompt, generate, and either finish or retrieve again with a
// refined query.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/provider"
	"github.com/verityai/verity/internal/session"
)

// ErrExecutionFailed indicates the run ended in the failed state.
var ErrExecutionFailed = errors.New("execution failed")

// defaultEscalationMessage is emitted when the sentiment gate routes to a
// human agent.
const defaultEscalationMessage = "I'm sorry this has been frustrating. I'm transferring you to a human support agent who can help you directly. Please hold on."

// StreamCallback receives partial answer text as it is generated. Returning
// an error aborts the stream.
type StreamCallback func(ctx context.Context, chunk string) error

// Request is one conversational turn.
type Request struct {
	SessionID string
	Message   string

	// DocumentIDs narrows retrieval to the given documents. Empty means
	// the whole index.
	DocumentIDs []string
}

// Result is the outcome of a completed run.
type Result struct {
	Answer     string
	PassageIDs []string
	State      Node
	Escalated  bool
}

// RetryConfig configures the model call retry loop.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Config configures the engine.
type Config struct {
	TopK             int
	MaxRetrieveLoops int
	Temperature      float32
	MaxTokens        int

	// TokenBudget bounds the assembled prompt. Zero disables truncation.
	TokenBudget int

	// Timeout bounds one turn end to end. Zero disables it.
	Timeout time.Duration

	// SystemPrompt overrides the built-in grounding instructions.
	SystemPrompt string

	// EscalationMessage overrides the built-in human-handoff response.
	EscalationMessage string

	Retry RetryConfig
}

// Engine runs the conversation graph. Safe for concurrent use across
// sessions; concurrent runs on one session are rejected at the gate.
type Engine struct {
	embedder  provider.Embedder
	generator provider.Generator
	index     index.Index
	sessions  session.Store
	gate      *session.Gate
	limiter   *rate.Limiter
	cfg       Config
	logger    *slog.Logger
}

// New creates an engine. limiter may be nil to disable rate limiting.
func New(embedder provider.Embedder, generator provider.Generator, idx index.Index, sessions session.Store, cfg Config, limiter *rate.Limiter, logger *slog.Logger) (*Engine, error) {
	if embedder == nil || generator == nil || idx == nil || sessions == nil {
		return nil, errors.New("embedder, generator, index, and session store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MaxRetrieveLoops < 0 {
		cfg.MaxRetrieveLoops = 0
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.EscalationMessage == "" {
		cfg.EscalationMessage = defaultEscalationMessage
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Engine{
		embedder:  embedder,
		generator: generator,
		index:     idx,
		sessions:  sessions,
		gate:      session.NewGate(),
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run executes one conversational turn. cb may be nil for synchronous use.
// On success the user turn and the assistant turn are appended to the
// session; a failed or canceled run appends nothing.
func (e *Engine) Run(ctx context.Context, req Request, cb StreamCallback) (*Result, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", ErrExecutionFailed)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrExecutionFailed)
	}

	if err := e.gate.Acquire(req.SessionID); err != nil {
		return nil, err
	}
	defer e.gate.Release(req.SessionID)

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	history, err := e.sessions.Context(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading session: %w", ErrExecutionFailed, err)
	}

	state := &State{Node: NodeStart, Query: req.Message}
	logger := e.logger.With("session_id", req.SessionID)

	state.advance(NodeAnalyze)
	state.Sentiment = e.analyze(ctx, req.Message, logger)

	if state.Sentiment == SentimentNegative {
		return e.escalate(ctx, state, req, cb, logger)
	}

	state.advance(NodeRetrieve)
	return e.answer(ctx, state, req, history, cb, logger)
}

// analyze runs the sentiment gate. Classification failure degrades to
// positive so a flaky model cannot block retrieval.
func (e *Engine) analyze(ctx context.Context, message string, logger *slog.Logger) Sentiment {
	out, err := e.generateWithRetry(ctx, provider.Request{
		Prompt:    buildAnalyzePrompt(message),
		MaxTokens: 8,
	})
	if err != nil {
		logger.Warn("sentiment analysis failed, assuming positive", "error", err)
		return SentimentPositive
	}
	sentiment := parseSentiment(out)
	logger.Debug("analyzed sentiment", "sentiment", sentiment.String())
	return sentiment
}

// escalate emits the human-handoff response and finishes the run with no
// grounding.
func (e *Engine) escalate(ctx context.Context, state *State, req Request, cb StreamCallback, logger *slog.Logger) (*Result, error) {
	state.advance(NodeEscalate)
	state.Answer = e.cfg.EscalationMessage

	if cb != nil {
		if err := cb(ctx, state.Answer); err != nil {
			return nil, fmt.Errorf("%w: stream callback: %w", ErrExecutionFailed, err)
		}
	}

	if err := e.appendTurns(ctx, req, state.Answer, nil); err != nil {
		return nil, err
	}
	state.advance(NodeDone)
	logger.Info("escalated to human agent")
	return &Result{Answer: state.Answer, State: state.Node, Escalated: true}, nil
}

// answer runs the retrieve/augment/generate loop.
func (e *Engine) answer(ctx context.Context, state *State, req Request, history []session.Turn, cb StreamCallback, logger *slog.Logger) (*Result, error) {
	var opts []index.SearchOption
	if len(req.DocumentIDs) > 0 {
		opts = append(opts, index.WithDocuments(req.DocumentIDs...))
	}

	for {
		// Retrieve
		vectors, err := e.embedWithRetry(ctx, []string{state.Query})
		if err != nil {
			state.advance(NodeFailed)
			return nil, fmt.Errorf("%w: embedding query: %w", ErrExecutionFailed, err)
		}
		matches, err := e.index.Search(ctx, vectors[0], e.cfg.TopK, opts...)
		if err != nil {
			state.advance(NodeFailed)
			return nil, fmt.Errorf("%w: searching index: %w", ErrExecutionFailed, err)
		}
		state.Matches = matches
		logger.Debug("retrieved passages", "count", len(matches), "retries", state.Retries)

		// Augment
		state.advance(NodeAugment)
		prompt := buildPrompt(history, matches, req.Message, e.cfg.TokenBudget)

		// Generate
		state.advance(NodeGenerate)
		raw, err := e.generate(ctx, prompt, cb)
		if err != nil {
			state.advance(NodeFailed)
			return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
		}

		answer, needMore := classifyAnswer(raw)
		if needMore && state.Retries < e.cfg.MaxRetrieveLoops {
			state.Retries++
			// Refine the query with the model's stated gap and try again.
			state.Query = req.Message
			if answer != "" {
				state.Query = req.Message + "\n" + answer
			}
			state.advance(NodeRetrieve)
			logger.Debug("insufficient grounding, retrieving again",
				"retries", state.Retries, "hint", answer)
			continue
		}
		if needMore {
			// Budget exhausted: deliver a best-effort answer.
			answer = e.bestEffortAnswer(answer)
			if cb != nil {
				if cbErr := cb(ctx, answer); cbErr != nil {
					state.advance(NodeFailed)
					return nil, fmt.Errorf("%w: stream callback: %w", ErrExecutionFailed, cbErr)
				}
			}
		}
		state.Answer = answer

		passageIDs := make([]string, 0, len(matches))
		for _, m := range matches {
			passageIDs = append(passageIDs, m.Passage.ID)
		}
		if err := e.appendTurns(ctx, req, answer, passageIDs); err != nil {
			return nil, err
		}
		state.advance(NodeDone)
		return &Result{Answer: answer, PassageIDs: passageIDs, State: state.Node}, nil
	}
}

// bestEffortAnswer turns an unresolved context request into a user-facing
// reply.
func (e *Engine) bestEffortAnswer(hint string) string {
	if hint == "" {
		return "I couldn't find enough information in the available documents to answer that."
	}
	return "I couldn't find enough information in the available documents to answer that. Missing: " + hint
}

// appendTurns records the exchange. Both turns are appended together at the
// end of a successful run; a failed run leaves the session untouched.
func (e *Engine) appendTurns(ctx context.Context, req Request, answer string, passageIDs []string) error {
	if err := e.sessions.Append(ctx, req.SessionID, session.Turn{
		Role:    session.RoleUser,
		Content: req.Message,
	}); err != nil {
		return fmt.Errorf("%w: appending user turn: %w", ErrExecutionFailed, err)
	}
	if err := e.sessions.Append(ctx, req.SessionID, session.Turn{
		Role:       session.RoleAssistant,
		Content:    answer,
		PassageIDs: passageIDs,
	}); err != nil {
		return fmt.Errorf("%w: appending assistant turn: %w", ErrExecutionFailed, err)
	}
	return nil
}

// generate produces the answer, streaming through cb when present. Streamed
// text is held back until it is clear the model is not asking for more
// context, so the marker never reaches the client.
func (e *Engine) generate(ctx context.Context, prompt string, cb StreamCallback) (string, error) {
	preq := provider.Request{
		System:      e.cfg.SystemPrompt,
		Prompt:      prompt,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	}
	if cb == nil {
		return e.generateWithRetry(ctx, preq)
	}
	return e.streamWithRetry(ctx, preq, cb)
}

// generateWithRetry calls Generate with exponential backoff, rate limiting
// each attempt.
func (e *Engine) generateWithRetry(ctx context.Context, preq provider.Request) (string, error) {
	var out string
	err := e.withRetry(ctx, func() error {
		var genErr error
		out, genErr = e.generator.Generate(ctx, preq)
		return genErr
	}, nil)
	return out, err
}

// embedWithRetry calls Embed with exponential backoff.
func (e *Engine) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.withRetry(ctx, func() error {
		var embErr error
		out, embErr = e.embedder.Embed(ctx, texts)
		return embErr
	}, nil)
	return out, err
}

// streamWithRetry streams a generation. A transient failure before any text
// has been delivered retries the whole stream; once text has reached the
// callback the stream cannot be restarted and the error is final.
func (e *Engine) streamWithRetry(ctx context.Context, preq provider.Request, cb StreamCallback) (string, error) {
	var full string
	delivered := false

	err := e.withRetry(ctx, func() error {
		var b strings.Builder
		var held strings.Builder
		flushed := false

		for chunk, err := range e.generator.Stream(ctx, preq) {
			if err != nil {
				full = b.String()
				return err
			}
			b.WriteString(chunk)

			if flushed {
				if cbErr := cb(ctx, chunk); cbErr != nil {
					return fmt.Errorf("stream callback: %w", cbErr)
				}
				continue
			}

			held.WriteString(chunk)
			lead := strings.TrimLeft(held.String(), " \t\r\n")
			if strings.HasPrefix(lead, needMoreContextMarker) {
				// Marker confirmed: buffer silently to the end.
				continue
			}
			if strings.HasPrefix(needMoreContextMarker, lead) {
				// Still ambiguous, keep holding.
				continue
			}
			flushed = true
			delivered = true
			if cbErr := cb(ctx, held.String()); cbErr != nil {
				return fmt.Errorf("stream callback: %w", cbErr)
			}
		}

		full = b.String()
		// Short answers that never disambiguated still get delivered, as
		// long as the model did not ask for more context.
		if !flushed {
			if lead := strings.TrimSpace(full); lead != "" && !strings.HasPrefix(lead, needMoreContextMarker) {
				delivered = true
				if cbErr := cb(ctx, lead); cbErr != nil {
					return fmt.Errorf("stream callback: %w", cbErr)
				}
			}
		}
		return nil
	}, func() bool { return !delivered })

	return full, err
}

// withRetry runs fn with exponential backoff on retryable errors. canRetry,
// when non-nil, can veto a retry even for a transient error.
func (e *Engine) withRetry(ctx context.Context, fn func() error, canRetry func() bool) error {
	var lastErr error
	delay := e.cfg.Retry.InitialInterval

	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !provider.Retryable(err) {
			return err
		}
		if canRetry != nil && !canRetry() {
			return err
		}
		if attempt == e.cfg.Retry.MaxRetries {
			break
		}

		e.logger.Debug("retrying model call", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, e.cfg.Retry.MaxInterval)
		}
	}

	return fmt.Errorf("model call after %d retries: %w", e.cfg.Retry.MaxRetries, lastErr)
}
