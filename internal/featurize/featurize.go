// Package featurize turns raw text into index terms. It lower-cases input,
// splits on non-alphanumeric boundaries, removes stop words and applies a
// suffix-stripping stemmer. The indexer uses it for documents and the HTTP
// API for free-text queries.
package featurize

import (
	"strconv"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Tokens returns the normalised terms of text in order, repeats included.
func Tokens(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		if t := normalize(w); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func normalize(word string) string {
	if len(word) < 2 {
		return ""
	}
	if _, stop := stopWords[word]; stop {
		return ""
	}
	return stem(word)
}

// Document is the bag of terms of one document.
type Document struct {
	Frequencies map[string]uint32
	// Length counts every retained token.
	Length uint32
}

// Featurize counts the terms of a document.
func Featurize(text string) Document {
	tokens := Tokens(text)
	doc := Document{Frequencies: make(map[string]uint32, len(tokens)), Length: uint32(len(tokens))}
	for _, t := range tokens {
		doc.Frequencies[t]++
	}
	return doc
}

// WeightedTerm is one term of a parsed query.
type WeightedTerm struct {
	Term   string
	Weight float64
}

// ParseQuery turns a free-text query into weighted terms in order of first
// appearance. A word may carry a boost as word^2.5; a repeated term adds
// its weights. Boosts that are negative or not numbers are ignored.
func ParseQuery(text string) []WeightedTerm {
	var out []WeightedTerm
	pos := make(map[string]int)
	for _, field := range strings.Fields(text) {
		word, boost := field, 1.0
		if i := strings.LastIndexByte(field, '^'); i > 0 {
			if b, err := strconv.ParseFloat(field[i+1:], 64); err == nil && b >= 0 {
				word, boost = field[:i], b
			}
		}
		for _, t := range Tokens(word) {
			if i, ok := pos[t]; ok {
				out[i].Weight += boost
				continue
			}
			pos[t] = len(out)
			out = append(out, WeightedTerm{Term: t, Weight: boost})
		}
	}
	return out
}

var suffixes = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// stem strips the first matching suffix that leaves a long enough word.
func stem(word string) string {
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			if w := word[:len(word)-len(rule.suffix)] + rule.replacement; len(w) >= rule.minLen {
				return w
			}
		}
	}
	return word
}
