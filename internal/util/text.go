package util

import "strings"

// TokenizeWords lowercases and splits text into whitespace-delimited word
// tokens, trimming surrounding punctuation. Duplicates are preserved.
func TokenizeWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		token := strings.Trim(field, ".,;:!?\"'()[]{}")
		if token == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// TokenOverlap computes the Jaccard similarity of the word-token sets of two
// strings: |intersection| / |union|, in [0,1]. Empty inputs yield 0.
func TokenOverlap(a, b string) float64 {
	tokensA := TokenizeWords(a)
	tokensB := TokenizeWords(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(tokensA))
	for _, token := range tokensA {
		setA[token] = true
	}
	setB := make(map[string]bool, len(tokensB))
	for _, token := range tokensB {
		setB[token] = true
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
