// Package customercache implements the TTL-cached master customer list and
// the fuzzy street/name matching used to search it.
package customercache

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// streetSuffixVariants collapse to "strasse" once lowercased and stripped of
// punctuation, matching the trailing abbreviations the source data contains.
var streetSuffixVariants = []string{"strasse", "strse", "strase", "strsse", "str.", "str", "st.", "street"}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)
var trailingDigitsRe = regexp.MustCompile(`\s*(\d+\s*[a-zA-Z]?)\s*$`)

// foldUmlauts replaces German umlauts and ß with their ASCII digraphs, used
// by both street and name comparisons so "Müller" and "Mueller" match.
func foldUmlauts(s string) string {
	replacer := strings.NewReplacer(
		"ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss",
		"Ä", "Ae", "Ö", "Oe", "Ü", "Ue",
	)
	return replacer.Replace(s)
}

// NormalizeStreet lowercases, folds umlauts, collapses trailing suffix
// variants to "strasse", and strips remaining punctuation/whitespace.
func NormalizeStreet(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = foldUmlauts(s)
	for _, variant := range streetSuffixVariants {
		if strings.HasSuffix(s, variant) {
			s = strings.TrimSuffix(s, variant) + "strasse"
			break
		}
	}
	return nonAlnumRe.ReplaceAllString(s, "")
}

// ExtractHouseNumber pulls a trailing house number off street if present,
// returning the cleaned street and the extracted number (empty if none).
func ExtractHouseNumber(street string) (cleanedStreet, number string) {
	m := trailingDigitsRe.FindStringSubmatch(street)
	if m == nil {
		return street, ""
	}
	number = strings.TrimSpace(m[1])
	cleaned := trailingDigitsRe.ReplaceAllString(street, "")
	return strings.TrimSpace(cleaned), number
}

// streetSimilarity derives similarity from Levenshtein edit distance as
// 1 - distance/max(len(a), len(b))
func streetSimilarity(a, b string) float64 {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	distance := levenshtein.Distance(a, b, nil)
	return 1 - float64(distance)/float64(maxLen)
}

// streetsMatch reports whether two already-normalized streets are a fuzzy
// match: similarity ≥ 90%, with a hard exact-equality floor once either
// normalized form is shorter than 3 characters (Levenshtein ratios are
// unstable on very short strings).
func streetsMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) < 3 || len(b) < 3 {
		return false
	}
	return streetSimilarity(a, b) >= 0.90
}

// nameTokens splits name into lowercase, umlaut-folded tokens of length ≥ 2.
func nameTokens(name string) []string {
	folded := foldUmlauts(strings.ToLower(name))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// namesOverlap reports whether any token of a matches any token of b.
func namesOverlap(a, b string) bool {
	tokensA := nameTokens(a)
	if len(tokensA) == 0 {
		return false
	}
	setA := make(map[string]struct{}, len(tokensA))
	for _, t := range tokensA {
		setA[t] = struct{}{}
	}
	for _, t := range nameTokens(b) {
		if _, ok := setA[t]; ok {
			return true
		}
	}
	return false
}
