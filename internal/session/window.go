package session

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Window bounds how much history a session exposes: at most Turns turns and
// at most Tokens tokens, whichever binds first. Oldest turns drop first, so
// the result is always a contiguous suffix of the conversation.
type Window struct {
	Turns  int
	Tokens int
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens estimates the token footprint of text. Uses the cl100k_base
// encoding when available; the encoding file may be unreachable offline, in
// which case a chars/4 heuristic stands in.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// apply trims turns to the window, keeping the most recent suffix. The most
// recent turn is always kept even when it alone exceeds the token budget.
func (w Window) apply(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}

	start := len(turns)
	budget := w.Tokens
	for i := len(turns) - 1; i >= 0; i-- {
		if w.Turns > 0 && len(turns)-i > w.Turns {
			break
		}
		cost := CountTokens(turns[i].Content)
		if w.Tokens > 0 && cost > budget && start < len(turns) {
			break
		}
		budget -= cost
		start = i
	}

	out := make([]Turn, len(turns)-start)
	copy(out, turns[start:])
	return out
}
