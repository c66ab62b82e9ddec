package chunk

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero max length", Config{MaxLen: 0, Overlap: 0}},
		{"negative max length", Config{MaxLen: -5, Overlap: 0}},
		{"overlap equals max", Config{MaxLen: 100, Overlap: 100}},
		{"overlap exceeds max", Config{MaxLen: 100, Overlap: 150}},
		{"negative overlap", Config{MaxLen: 100, Overlap: -1}},
		{"unknown granularity", Config{MaxLen: 100, Overlap: 10, Granularity: "word"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := New(tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New(%+v) = %v, want ErrInvalidConfig", tt.cfg, err)
			}
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 100, Overlap: 10, Granularity: GranularitySentence})
	if got := c.Split("doc", ""); got != nil {
		t.Errorf("Split(empty) = %v, want nil", got)
	}
}

func TestSplit_SingleShortPassage(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 100, Overlap: 10, Granularity: GranularitySentence})
	text := "A short document."

	got := c.Split("doc", text)
	if len(got) != 1 {
		t.Fatalf("Split() returned %d passages, want 1", len(got))
	}
	if got[0].Text != text {
		t.Errorf("passage text = %q, want %q", got[0].Text, text)
	}
	if got[0].Overlap != 0 {
		t.Errorf("first passage overlap = %d, want 0", got[0].Overlap)
	}
	if got[0].ID != "doc:0000" {
		t.Errorf("passage ID = %q, want doc:0000", got[0].ID)
	}
}

func TestSplit_Reconstruction(t *testing.T) {
	t.Parallel()

	texts := map[string]string{
		"sentences": "The first rule applies. The second rule is longer and more detailed. " +
			"A third rule exists too. Rules four and five share a sentence boundary. " +
			"The sixth rule concludes the first section of this document entirely.",
		"paragraphs": "First paragraph here.\nIt has two lines.\n\nSecond paragraph follows now.\n\n" +
			"Third paragraph is the longest of the three paragraphs, ensuring that at least " +
			"one split lands inside it somewhere near the middle.",
		"no boundaries": strings.Repeat("x", 437),
		"unicode":       strings.Repeat("言葉を割るのは難しい。", 30),
	}

	for name, text := range texts {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for _, granularity := range []Granularity{GranularitySentence, GranularityParagraph} {
				c := mustNew(t, Config{MaxLen: 80, Overlap: 12, Granularity: granularity})
				passages := c.Split("doc", text)

				if got := Reassemble(passages); got != text {
					t.Errorf("granularity %s: reassembled text differs\ngot:  %q\nwant: %q",
						granularity, got, text)
				}
				for _, p := range passages {
					if n := len([]rune(p.Text)); n > 80 {
						t.Errorf("granularity %s: passage %d has %d chars, max 80", granularity, p.Ordinal, n)
					}
				}
			}
		})
	}
}

func TestSplit_OrdinalsAndIDs(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 50, Overlap: 5, Granularity: GranularitySentence})
	passages := c.Split("report", strings.Repeat("Fact. ", 60))

	if len(passages) < 3 {
		t.Fatalf("expected several passages, got %d", len(passages))
	}
	for i, p := range passages {
		if p.Ordinal != i {
			t.Errorf("passage %d has ordinal %d", i, p.Ordinal)
		}
		if p.DocumentID != "report" {
			t.Errorf("passage %d has document ID %q", i, p.DocumentID)
		}
		if p.ID != PassageID("report", i) {
			t.Errorf("passage %d has ID %q, want %q", i, p.ID, PassageID("report", i))
		}
	}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 40, Overlap: 0, Granularity: GranularitySentence})
	text := "Short one. This second sentence runs much longer than the first."

	passages := c.Split("doc", text)
	if len(passages) < 2 {
		t.Fatalf("expected a split, got %d passages", len(passages))
	}
	// The cut must land after "Short one." rather than mid-word at 40 chars.
	if passages[0].Text != "Short one." {
		t.Errorf("first passage = %q, want %q", passages[0].Text, "Short one.")
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 60, Overlap: 0, Granularity: GranularityParagraph})
	text := "Intro paragraph. Two sentences here.\n\nBody paragraph with more words following after the break."

	passages := c.Split("doc", text)
	if len(passages) < 2 {
		t.Fatalf("expected a split, got %d passages", len(passages))
	}
	if !strings.HasSuffix(passages[0].Text, "\n\n") {
		t.Errorf("first passage should end at the paragraph break, got %q", passages[0].Text)
	}
}

func TestSplit_HardCutWithoutBoundary(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Config{MaxLen: 100, Overlap: 10, Granularity: GranularitySentence})
	text := strings.Repeat("a", 250) // no boundaries at all

	passages := c.Split("doc", text)
	for i, p := range passages[:len(passages)-1] {
		if n := len([]rune(p.Text)); n != 100 {
			t.Errorf("hard-cut passage %d has %d chars, want exactly 100", i, n)
		}
	}
	if got := Reassemble(passages); got != text {
		t.Errorf("hard-cut reconstruction failed")
	}
}

// TestSplit_PassageCountArithmetic checks the ingest scenario: chunk size 500,
// overlap 50 over boundary-free text advances 450 fresh chars per passage.
func TestSplit_PassageCountArithmetic(t *testing.T) {
	t.Parallel()

	const size = 3 * 1800 // roughly three pages
	text := strings.Repeat("b", size)

	c := mustNew(t, Config{MaxLen: 500, Overlap: 50, Granularity: GranularitySentence})
	passages := c.Split("doc", text)

	want := (size-500)/450 + 1
	if (size-500)%450 != 0 {
		want++
	}
	if len(passages) != want {
		t.Errorf("got %d passages, want %d", len(passages), want)
	}
	for _, p := range passages {
		if n := len([]rune(p.Text)); n > 500 {
			t.Errorf("passage %d has %d chars, max 500", p.Ordinal, n)
		}
	}
}

func mustNew(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%+v) = %v", cfg, err)
	}
	return c
}
