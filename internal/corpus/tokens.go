package corpus

import (
	"strings"
	"unicode"
)

// minTokenLen excludes short filler words ("I", "to", "my") from scoring.
const minTokenLen = 3

type tokenSet map[string]struct{}

// Tokenize lowercases text and splits it into words of three or more
// characters. Apostrophes inside a word are kept so "don't" stays one token.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.Trim(field, "'’")
		field = strings.ReplaceAll(field, "’", "'")
		if len([]rune(field)) < minTokenLen {
			continue
		}
		out = append(out, field)
	}
	return out
}

func newTokenSet(tokens []string) tokenSet {
	set := make(tokenSet, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func distinct(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	return out
}

// Score is the fraction of fragment tokens present in the variation.
func Score(fragment []string, variation tokenSet) float64 {
	if len(fragment) == 0 || len(variation) == 0 {
		return 0
	}
	hits := 0
	for _, token := range fragment {
		if _, ok := variation[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(fragment))
}
