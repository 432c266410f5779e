package parsers

import (
	"encoding/json"
	"strings"
	"unicode"
)

// ConfidenceScorer estimates how grounded a generated payload is in the
// context it was given.
type ConfidenceScorer interface {
	Score(output any, contextFacts []string) float64
}

// KeywordOverlapScorer scores by lexical overlap between the generated text
// and the context facts: the share of significant context tokens that
// reappear in the output, clamped to [0, 1]. It is a cheap proxy, not a
// calibrated probability, and is stored for offline analysis only.
type KeywordOverlapScorer struct{}

func NewKeywordOverlapScorer() *KeywordOverlapScorer {
	return &KeywordOverlapScorer{}
}

func (s *KeywordOverlapScorer) Score(output any, contextFacts []string) float64 {
	if output == nil || len(contextFacts) == 0 {
		return 0
	}

	// flatten the payload through its JSON form; field names are skipped by
	// tokenizing values only via the raw text
	raw, err := json.Marshal(output)
	if err != nil {
		return 0
	}
	outTokens := tokenize(string(raw))
	if len(outTokens) == 0 {
		return 0
	}

	ctxTokens := make(map[string]struct{})
	for _, fact := range contextFacts {
		for t := range tokenize(fact) {
			ctxTokens[t] = struct{}{}
		}
	}
	if len(ctxTokens) == 0 {
		return 0
	}

	hits := 0
	for t := range ctxTokens {
		if _, ok := outTokens[t]; ok {
			hits++
		}
	}

	score := float64(hits) / float64(len(ctxTokens))
	if score > 1 {
		score = 1
	}
	return score
}

// tokenize lowercases and keeps tokens longer than three runes, dropping
// punctuation. Short tokens are mostly stopwords and JSON syntax.
func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(field)) > 3 {
			tokens[field] = struct{}{}
		}
	}
	return tokens
}

var _ ConfidenceScorer = (*KeywordOverlapScorer)(nil)
