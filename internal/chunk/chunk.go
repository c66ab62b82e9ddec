// Package chunk splits raw document text into bounded, overlapping passages
// suitable for embedding and vector retrieval.
//
// The splitter prefers natural boundaries: with paragraph granularity it looks
// for blank lines first, then sentence endings, and only falls back to a hard
// character cut when no boundary exists within the length budget. Consecutive
// passages share a configured overlap so retrieval never loses context that
// straddles a cut point.
//
// Invariant: concatenating the passages of a document, minus each passage's
// recorded overlap with its predecessor, reconstructs the source text exactly.
package chunk

import (
	"errors"
	"fmt"
	"unicode"
)

// Granularity selects the preferred splitting boundary.
type Granularity string

const (
	// GranularitySentence splits at sentence endings.
	GranularitySentence Granularity = "sentence"

	// GranularityParagraph splits at blank lines, falling back to sentences.
	GranularityParagraph Granularity = "paragraph"
)

// ErrInvalidConfig indicates unusable chunking parameters.
// It is fatal and never retried.
var ErrInvalidConfig = errors.New("invalid chunker configuration")

// Passage is a bounded chunk of document text eligible for independent
// embedding and retrieval.
type Passage struct {
	ID         string // deterministic: documentID + ordinal
	DocumentID string
	Ordinal    int    // position within the document, starting at 0
	Text       string // at most MaxLen characters
	Overlap    int    // characters shared with the previous passage
}

// Config defines chunking parameters. Lengths are measured in characters
// (Unicode code points), matching the behavior users observe in any script.
type Config struct {
	MaxLen      int // maximum passage length, must be positive
	Overlap     int // characters shared between consecutive passages, must be < MaxLen
	Granularity Granularity
}

// Chunker splits document text into passages.
// A Chunker is immutable and safe for concurrent use.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, validating the configuration.
func New(cfg Config) (*Chunker, error) {
	if cfg.MaxLen <= 0 {
		return nil, fmt.Errorf("%w: max length must be positive, got %d", ErrInvalidConfig, cfg.MaxLen)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxLen {
		return nil, fmt.Errorf("%w: overlap must be in [0, max length), got overlap=%d max=%d",
			ErrInvalidConfig, cfg.Overlap, cfg.MaxLen)
	}
	switch cfg.Granularity {
	case GranularitySentence, GranularityParagraph:
	case "":
		cfg.Granularity = GranularitySentence
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrInvalidConfig, cfg.Granularity)
	}
	return &Chunker{cfg: cfg}, nil
}

// Split divides text into ordered passages for the given document ID.
// Empty or whitespace-only text yields no passages.
func (c *Chunker) Split(documentID, text string) []Passage {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var passages []Passage
	start := 0
	overlap := 0

	for start < len(runes) {
		end := c.cut(runes, start)

		passages = append(passages, Passage{
			ID:         PassageID(documentID, len(passages)),
			DocumentID: documentID,
			Ordinal:    len(passages),
			Text:       string(runes[start:end]),
			Overlap:    overlap,
		})

		if end >= len(runes) {
			break
		}

		next := end - c.cfg.Overlap
		// The next start must advance past the previous one, or a pathological
		// overlap/boundary combination could loop forever.
		if next <= start {
			next = start + 1
		}
		overlap = end - next
		start = next
	}

	return passages
}

// PassageID returns the deterministic passage identifier for a document and
// ordinal. Re-ingesting a document reproduces the same IDs, which is what
// makes index upserts idempotent.
func PassageID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s:%04d", documentID, ordinal)
}

// cut returns the end index (exclusive) for a passage starting at start.
// It prefers the coarsest natural boundary available within the budget and
// hard-cuts at the limit only when none exists.
func (c *Chunker) cut(runes []rune, start int) int {
	limit := start + c.cfg.MaxLen
	if limit >= len(runes) {
		return len(runes)
	}

	if c.cfg.Granularity == GranularityParagraph {
		if b := lastParagraphBoundary(runes, start, limit); b > start {
			return b
		}
	}
	if b := lastSentenceBoundary(runes, start, limit); b > start {
		return b
	}

	// No natural boundary in range: hard character split.
	return limit
}

// lastParagraphBoundary finds the end of the last blank-line separator in
// (start, limit], or start if none exists.
func lastParagraphBoundary(runes []rune, start, limit int) int {
	for i := limit; i > start+1; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	return start
}

// lastSentenceBoundary finds the position just after the last sentence-ending
// punctuation (followed by whitespace) in (start, limit], or start if none.
// A lone newline also counts as a boundary so list-style documents split
// cleanly.
func lastSentenceBoundary(runes []rune, start, limit int) int {
	for i := limit; i > start; i-- {
		r := runes[i-1]
		if r == '\n' {
			return i
		}
		if isSentenceEnd(r) && (i == len(runes) || unicode.IsSpace(runes[i])) {
			return i
		}
	}
	return start
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

// Reassemble concatenates passages minus overlaps, reconstructing the source
// text. It is primarily a verification helper for tests and ingestion audits.
func Reassemble(passages []Passage) string {
	var out []rune
	for _, p := range passages {
		runes := []rune(p.Text)
		if p.Overlap > len(runes) {
			// Corrupt input; keep whatever text there is rather than panic.
			continue
		}
		out = append(out, runes[p.Overlap:]...)
	}
	return string(out)
}
