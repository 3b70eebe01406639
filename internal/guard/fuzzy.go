// fuzzy.go implements the layered pattern matcher: exact containment,
// containment on normalized text, sliding-window levenshtein
// similarity, and word-level Jaccard. Normalization happens once per
// request; the matcher works on the prepared strings.
package guard

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Sensitivity tightens or loosens the fuzzy thresholds.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// matcher holds the tuning for fuzzy detection.
type matcher struct {
	baseThreshold float64
	sensitivity   Sensitivity
}

func newMatcher(threshold float64, sensitivity Sensitivity) *matcher {
	if threshold <= 0 {
		threshold = 0.85
	}
	if sensitivity == "" {
		sensitivity = SensitivityMedium
	}
	return &matcher{baseThreshold: threshold, sensitivity: sensitivity}
}

// match is one detection hit.
type match struct {
	Pattern    string
	Method     string // exact | normalized | fuzzy | word | regex
	Confidence float64
}

// matchFamily checks all patterns and regexes of one family. lowered is
// the lowercased raw content, normalized the canonicalized form.
func (m *matcher) matchFamily(lowered, normalized string, f Family) (match, bool) {
	for _, entry := range f.Patterns {
		patterns := append([]string{entry.Primary}, entry.Variants...)
		for _, p := range patterns {
			pl := strings.ToLower(p)
			threshold := m.adaptiveThreshold(len(p))

			if strings.Contains(lowered, pl) {
				return match{Pattern: p, Method: "exact", Confidence: 1.0}, true
			}
			if normalized != lowered && strings.Contains(normalized, pl) {
				return match{Pattern: p, Method: "normalized", Confidence: 0.98}, true
			}
			if ok, conf := m.fuzzyWindow(normalized, pl, threshold); ok {
				return match{Pattern: p, Method: "fuzzy", Confidence: conf}, true
			}
			if ok, conf := m.wordWindow(normalized, pl, threshold*0.9); ok {
				return match{Pattern: p, Method: "word", Confidence: conf}, true
			}
		}
	}
	for _, re := range f.Regexes {
		if re.MatchString(lowered) || re.MatchString(normalized) {
			return match{Pattern: re.String(), Method: "regex", Confidence: 1.0}, true
		}
	}
	return match{}, false
}

// adaptiveThreshold adjusts the base threshold for sensitivity and
// pattern length. Short patterns tolerate more edit distance.
func (m *matcher) adaptiveThreshold(patternLength int) float64 {
	base := m.baseThreshold

	switch m.sensitivity {
	case SensitivityLow:
		base += 0.05
	case SensitivityHigh:
		base -= 0.05
	}

	switch {
	case patternLength < 10:
		base -= 0.10
	case patternLength < 15:
		base -= 0.05
	case patternLength < 20:
		// base as-is
	case patternLength < 30:
		base += 0.02
	default:
		base += 0.05
	}

	if base < 0.65 {
		base = 0.65
	}
	if base > 0.98 {
		base = 0.98
	}
	return base
}

// similarity is 1 - distance/maxLen.
func similarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(s1, s2)
	maxLen := len(s1)
	if len(s2) > maxLen {
		maxLen = len(s2)
	}
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(distance)/float64(maxLen)
}

// fuzzyWindow slides windows of pattern length +-20% across text and
// reports the best levenshtein similarity against pattern.
func (m *matcher) fuzzyWindow(text, pattern string, threshold float64) (bool, float64) {
	textLen := len(text)
	patternLen := len(pattern)
	if patternLen == 0 {
		return false, 0
	}
	if textLen < patternLen {
		sim := similarity(text, pattern)
		return sim >= threshold, sim
	}

	best := 0.0
	minWindow := patternLen * 8 / 10
	if minWindow < 1 {
		minWindow = 1
	}
	maxWindow := patternLen * 12 / 10
	if maxWindow > textLen {
		maxWindow = textLen
	}

	for window := minWindow; window <= maxWindow; window++ {
		for i := 0; i <= textLen-window; i++ {
			sim := similarity(pattern, text[i:i+window])
			if sim >= 0.95 {
				return true, sim
			}
			if sim > best {
				best = sim
			}
		}
	}
	return best >= threshold, best
}

var wordRe = regexp.MustCompile(`[a-z]+`)

// wordWindow slides a window of pattern-word count across the text
// words and compares Jaccard similarity.
func (m *matcher) wordWindow(text, pattern string, threshold float64) (bool, float64) {
	textWords := wordRe.FindAllString(text, -1)
	patternWords := wordRe.FindAllString(pattern, -1)
	if len(patternWords) == 0 {
		return false, 0
	}

	window := len(patternWords)
	if len(textWords) < window {
		sim := jaccard(textWords, patternWords)
		return sim >= threshold, sim
	}

	best := 0.0
	for i := 0; i <= len(textWords)-window; i++ {
		sim := jaccard(textWords[i:i+window], patternWords)
		if sim >= threshold {
			return true, sim
		}
		if sim > best {
			best = sim
		}
	}

	// One extra word in the window still counts at a small discount.
	if window+1 <= len(textWords) {
		for i := 0; i <= len(textWords)-window-1; i++ {
			sim := jaccard(textWords[i:i+window+1], patternWords)
			if sim >= threshold*0.95 {
				return true, sim
			}
			if sim > best {
				best = sim
			}
		}
	}
	return false, best
}

// jaccard computes |A n B| / |A u B| over word slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}
