// normalize.go provides the text canonicalization used before pattern
// matching, and the sanitization applied to content that continues
// downstream. Matching normalization is aggressive (case folding,
// homoglyphs, l33t speak); sanitization only strips what no model
// should ever receive.
package guard

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// homoglyphMap maps common lookalike runes to their ASCII equivalents.
var homoglyphMap = map[rune]rune{
	// Cyrillic lookalikes
	'а': 'a', 'А': 'A',
	'е': 'e', 'Е': 'E',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'с': 'c', 'С': 'C',
	'у': 'y', 'У': 'Y',
	'х': 'x', 'Х': 'X',
	'і': 'i', 'І': 'I',
	'ј': 'j', 'Ј': 'J',

	// Greek lookalikes
	'α': 'a', 'Α': 'A',
	'ε': 'e', 'Ε': 'E',
	'ο': 'o', 'Ο': 'O',
	'ρ': 'p', 'Ρ': 'P',
	'τ': 't', 'Τ': 'T',
	'υ': 'u', 'Υ': 'Y',

	// Special Latin characters
	'ı': 'i',
	'ł': 'l',
	'ø': 'o',
	'ß': 's',
}

// l33tMap maps substitution-cipher characters back to letters.
var l33tMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
	'+': 't',
	'|': 'l',
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Normalize canonicalizes text for pattern matching: NFKC fold,
// lowercase, homoglyph and l33t substitution, invisible-rune removal,
// whitespace collapse. Fullwidth forms fold to ASCII via NFKC.
func Normalize(input string) string {
	result := norm.NFKC.String(input)
	result = strings.ToLower(result)

	var b strings.Builder
	b.Grow(len(result))
	for _, r := range result {
		if repl, ok := homoglyphMap[r]; ok {
			b.WriteRune(repl)
		} else if repl, ok := l33tMap[r]; ok {
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	result = stripInvisible(b.String())
	result = whitespaceRe.ReplaceAllString(result, " ")
	return strings.TrimSpace(result)
}

// Sanitize cleans content for downstream use without distorting its
// meaning: control and invisible runes go, whitespace collapses, and
// runs of repeated punctuation are capped.
func Sanitize(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	var lastPunct rune
	punctRun := 0
	for _, r := range input {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if isInvisible(r) {
			continue
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			if r == lastPunct {
				punctRun++
				if punctRun > 3 {
					continue
				}
			} else {
				lastPunct = r
				punctRun = 1
			}
		} else {
			lastPunct = 0
			punctRun = 0
		}
		b.WriteRune(r)
	}

	result := whitespaceRe.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(result)
}

// stripInvisible removes zero-width and control runes, keeping plain
// whitespace.
func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != ' ' && r != '\t' && r != '\n' {
			continue
		}
		if isInvisible(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isInvisible reports zero-width and invisible-operator runes.
func isInvisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u200e', '\u200f',
		'\u2060', '\u2061', '\u2062', '\u2063', '\u2064',
		'\ufeff':
		return true
	}
	return false
}
