package pattern

import (
	"sort"
	"strings"
	"unicode"
)

// stopwords are dropped before keyword matching. The list is intentionally
// small: domain words like "book" or "open" must survive.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "could": true, "do": true,
	"does": true, "for": true, "from": true, "get": true, "have": true, "hello": true,
	"hey": true, "hi": true, "how": true, "i": true, "if": true, "in": true,
	"is": true, "it": true, "its": true, "just": true, "me": true, "my": true,
	"no": true, "not": true, "of": true, "on": true, "or": true, "our": true,
	"please": true, "so": true, "thanks": true, "that": true, "the": true,
	"there": true, "this": true, "to": true, "u": true, "us": true, "was": true,
	"we": true, "what": true, "when": true, "where": true, "which": true,
	"who": true, "why": true, "will": true, "with": true, "would": true,
	"yes": true, "you": true, "your": true,
}

// IsStopword reports whether the lower-cased token is a stopword.
func IsStopword(token string) bool {
	return stopwords[token]
}

// Normalize lower-cases text, replaces punctuation with spaces and collapses
// whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize normalizes text and returns its content tokens: stopwords removed,
// plurals folded to their singular form. Duplicates are kept in order.
func Tokenize(text string) []string {
	fields := strings.Fields(Normalize(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		tokens = append(tokens, Stem(f))
	}
	return tokens
}

// Stem folds simple English plurals ("cards" -> "card", "classes" -> "class",
// "memberships" -> "membership", "batteries" -> "battery").
func Stem(token string) string {
	switch {
	case len(token) > 4 && strings.HasSuffix(token, "ies"):
		return token[:len(token)-3] + "y"
	case len(token) > 4 && (strings.HasSuffix(token, "sses") || strings.HasSuffix(token, "xes")):
		return token[:len(token)-2]
	case len(token) > 3 && strings.HasSuffix(token, "s") && !strings.HasSuffix(token, "ss") && !strings.HasSuffix(token, "us"):
		return token[:len(token)-1]
	}
	return token
}

// NormalizeKeywords tokenizes each keyword phrase and returns the sorted,
// de-duplicated token set.
func NormalizeKeywords(keywords []string) []string {
	set := make(map[string]bool)
	for _, kw := range keywords {
		for _, tok := range Tokenize(kw) {
			set[tok] = true
		}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
