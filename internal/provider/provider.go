// Package provider defines the capability interfaces for external model
// services: text embedding and text generation.
//
// The rest of the system depends only on these contracts, never on a concrete
// provider SDK or wire format. Implementations live in subpackages
// (provider/googleai, provider/ollama) and are injected explicitly; there is
// no ambient or global client state.
package provider

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// Sentinel errors for provider failures, checked with errors.Is().
var (
	// ErrProvider indicates a transport or auth failure talking to the
	// provider. Callers apply bounded retry before surfacing it.
	ErrProvider = errors.New("provider error")

	// ErrRateLimited indicates the provider signaled rate limiting.
	// Retryable with backoff.
	ErrRateLimited = errors.New("provider rate limited")
)

// Embedder maps text to fixed-dimension vectors.
//
// Embed is order-preserving: it returns exactly one vector per input text, in
// input order. All vectors produced by one Embedder share the same
// dimensionality and model version.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the width of produced vectors.
	Dimension() int

	// Model reports the embedding model version identifier. A vector index
	// records this and rejects vectors from a different version.
	Model() string
}

// Request is a provider-agnostic generation request.
type Request struct {
	System      string // system instruction, may be empty
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Generator produces text completions, synchronously or as a stream.
type Generator interface {
	// Generate returns the full completion for the request.
	Generate(ctx context.Context, req Request) (string, error)

	// Stream returns the completion as a lazy, finite, non-restartable
	// sequence of text chunks. Iteration stops early when ctx is cancelled;
	// the terminal error (if any) is yielded as the final element.
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]

	// Model reports the generation model identifier.
	Model() string
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: This uses string matching because provider SDKs do not expose typed
// errors for transient failures. Re-evaluate if the SDKs add structured error
// types in a future version.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// Retryable reports whether err is transient and should trigger a retry.
// Context cancellation is never retryable: the caller is gone.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	errStr := err.Error()
	for _, group := range retryablePatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
