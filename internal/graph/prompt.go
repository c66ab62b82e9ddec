package graph

import (
	"fmt"
	"strings"

	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/session"
)

// needMoreContextMarker is the prompt contract for insufficient grounding:
// the model opens its reply with this marker when the supplied passages do
// not answer the question.
const needMoreContextMarker = "NEED_MORE_CONTEXT"

// defaultSystemPrompt instructs the model to answer strictly from the
// supplied passages.
const defaultSystemPrompt = `You are a support assistant. Answer the user's question using only the
reference passages provided. Be concise and factual. If the passages do not
contain the information needed to answer, reply with exactly
"NEED_MORE_CONTEXT: <a short description of what is missing>" and nothing
else.`

// analyzePromptFormat classifies the emotional tone of a message. The output
// contract is a single word so parsing stays trivial.
const analyzePromptFormat = `Classify the sentiment of the following customer message as exactly one
word, either "positive" or "negative". A message is negative only if the
customer is angry, frustrated, or demands a human agent.

Message: %s

Sentiment:`

// buildAnalyzePrompt formats the sentiment gate prompt.
func buildAnalyzePrompt(message string) string {
	return fmt.Sprintf(analyzePromptFormat, message)
}

// parseSentiment maps model output to a verdict. Anything that is not
// clearly negative counts as positive, so classification noise degrades to
// the retrieval path instead of a spurious escalation.
func parseSentiment(output string) Sentiment {
	if strings.Contains(strings.ToLower(output), "negative") {
		return SentimentNegative
	}
	return SentimentPositive
}

// buildPrompt assembles the augmented generation prompt: conversation
// context, ranked passages, then the question. Assembly is deterministic;
// identical inputs produce an identical prompt.
//
// When the result would exceed tokenBudget, context turns are dropped oldest
// first. Passages and the question are never dropped.
func buildPrompt(history []session.Turn, matches []index.Match, question string, tokenBudget int) string {
	var fixed strings.Builder
	if len(matches) > 0 {
		fixed.WriteString("Reference passages, most relevant first:\n\n")
		for i, m := range matches {
			fmt.Fprintf(&fixed, "[%d] %s\n\n", i+1, m.Passage.Text)
		}
	}
	fmt.Fprintf(&fixed, "Question: %s", question)

	if tokenBudget > 0 {
		remaining := tokenBudget - session.CountTokens(fixed.String())
		history = trimHistory(history, remaining)
	}

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString(fixed.String())
	return b.String()
}

// trimHistory drops turns oldest first until the remainder fits the budget.
func trimHistory(history []session.Turn, budget int) []session.Turn {
	if budget <= 0 {
		return nil
	}
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := session.CountTokens(history[i].Content)
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	return history[start:]
}

// classifyAnswer inspects a generated answer for the insufficient-grounding
// marker. It returns the cleaned answer and whether more context was
// requested.
func classifyAnswer(answer string) (string, bool) {
	trimmed := strings.TrimSpace(answer)
	if !strings.HasPrefix(trimmed, needMoreContextMarker) {
		return trimmed, false
	}
	hint := strings.TrimPrefix(trimmed, needMoreContextMarker)
	hint = strings.TrimSpace(strings.TrimPrefix(hint, ":"))
	return hint, true
}
