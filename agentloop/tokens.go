package agentloop

import (
	"unicode"
)

// responseOverhead is the fixed allowance for response formatting added to
// every context estimate.
const responseOverhead = 50

// Weights are kept in quarter tokens so the arithmetic stays exact.
const (
	quarterPerWord  = 3 // word or code token: 0.75
	quarterPerCJK   = 2 // CJK character: 0.5
	quarterPerPunct = 1 // punctuation or symbol: 0.25
)

// Estimate approximates the token count of text. Runs of letters, digits and
// underscores count 0.75 each, CJK characters 0.5 each and every other
// non-space character 0.25. The total is rounded up.
func Estimate(text string) int {
	quarters := 0
	inRun := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inRun = false
		case isCJK(r):
			quarters += quarterPerCJK
			inRun = false
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			if !inRun {
				quarters += quarterPerWord
				inRun = true
			}
		default:
			quarters += quarterPerPunct
			inRun = false
		}
	}
	return (quarters + 3) / 4
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateMessage returns the estimate for a message's content and tool
// calls, caching it on the message.
func EstimateMessage(m *Message) int {
	if m.hasTokens {
		return m.tokens
	}
	n := Estimate(m.Content)
	for _, tc := range m.ToolCalls {
		n += Estimate(tc.Name) + Estimate(tc.Arguments.Canonical())
	}
	m.tokens = n
	m.hasTokens = true
	return n
}

// EstimateHistory sums the estimates of every message.
func EstimateHistory(history []Message) int {
	total := 0
	for i := range history {
		total += EstimateMessage(&history[i])
	}
	return total
}

// EstimateTotalContext estimates what a model call will consume: the history,
// the system prompt and the response overhead.
func EstimateTotalContext(history []Message, systemPrompt string) int {
	return EstimateHistory(history) + Estimate(systemPrompt) + responseOverhead
}
