package memory

import (
	"strings"
	"unicode"
)

// stopwords are dropped during keyword extraction. The list is small
// on purpose: over-filtering loses recall anchors.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"i": true, "you": true, "we": true, "my": true, "your": true, "me": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "about": true, "as": true, "by": true, "from": true,
	"do": true, "does": true, "did": true, "have": true, "has": true, "had": true,
	"what": true, "when": true, "where": true, "who": true, "how": true, "why": true,
	"can": true, "could": true, "would": true, "should": true, "will": true,
	"not": true, "no": true, "yes": true, "please": true, "tell": true,
}

// anaphora are referential words that make even a short query depend
// on earlier context, so recall must not be skipped for it.
var anaphora = map[string]bool{
	"it": true, "that": true, "this": true, "those": true, "these": true,
	"he": true, "she": true, "they": true, "them": true, "him": true, "her": true,
	"there": true, "then": true, "again": true, "before": true, "earlier": true,
	"last": true, "previous": true, "remember": true,
}

const maxKeywords = 8

// ExtractKeywords tokenizes text into lowercase recall terms.
func ExtractKeywords(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, token := range tokenize(text) {
		if len(token) < 2 || stopwords[token] || seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// HasAnaphora reports whether the text contains a referential word.
func HasAnaphora(text string) bool {
	for _, token := range tokenize(text) {
		if anaphora[token] {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
