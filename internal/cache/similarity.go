package cache

import (
	"math"
	"strings"
)

// stopWords are excluded from the Jaccard comparison so that filler
// does not inflate similarity.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "to": true, "of": true,
	"in": true, "on": true, "at": true, "for": true, "and": true,
	"or": true, "it": true, "this": true, "that": true, "with": true,
	"as": true, "by": true, "from": true, "do": true, "does": true,
	"can": true, "could": true, "would": true, "should": true,
	"what": true, "which": true, "who": true, "how": true, "me": true,
	"my": true, "you": true, "your": true, "i": true, "we": true,
	"please": true,
}

// Similarity scores how close two request payloads are:
// 0.7 * Jaccard over content words + 0.3 * length similarity.
// Identical content scores exactly 1.0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}

	wordsA := contentWords(a)
	wordsB := contentWords(b)

	return 0.7*jaccard(wordsA, wordsB) + 0.3*lengthSimilarity(len(a), len(b))
}

// contentWords tokenizes into a lowercased word set, dropping stop
// words and single letters.
func contentWords(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, w := range fields {
		if len(w) < 2 || stopWords[w] {
			continue
		}
		set[w] = true
	}
	return set
}

// jaccard is intersection over union of the word sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// lengthSimilarity is the smaller length over the larger.
func lengthSimilarity(a, b int) float64 {
	if a == 0 && b == 0 {
		return 1.0
	}
	return math.Min(float64(a), float64(b)) / math.Max(float64(a), float64(b))
}
