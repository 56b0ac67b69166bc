package assemble

import "unicode/utf8"

// TokenCounter measures text against a token budget.
type TokenCounter interface {
	// Count returns the number of tokens in s.
	Count(s string) int
	// Prefix returns the longest prefix of s that fits in n tokens.
	Prefix(s string, n int) string
}

// HeuristicCounter approximates tokens as CharsPerToken runes each, rounded up.
type HeuristicCounter struct {
	CharsPerToken int
}

// DefaultTokenCounter is a HeuristicCounter with four runes per token.
var DefaultTokenCounter TokenCounter = HeuristicCounter{CharsPerToken: 4}

func (h HeuristicCounter) per() int {
	if h.CharsPerToken <= 0 {
		return 4
	}
	return h.CharsPerToken
}

// Count implements TokenCounter.
func (h HeuristicCounter) Count(s string) int {
	n := utf8.RuneCountInString(s)
	per := h.per()
	return (n + per - 1) / per
}

// Prefix implements TokenCounter.
func (h HeuristicCounter) Prefix(s string, n int) string {
	return runePrefix(s, n*h.per())
}

// CharCounter counts every rune as one token.
type CharCounter struct{}

// Count implements TokenCounter.
func (CharCounter) Count(s string) int { return utf8.RuneCountInString(s) }

// Prefix implements TokenCounter.
func (CharCounter) Prefix(s string, n int) string { return runePrefix(s, n) }

func runePrefix(s string, runes int) string {
	if runes <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == runes {
			return s[:pos]
		}
		i++
	}
	return s
}
