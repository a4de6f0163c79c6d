// Package housenumber implements the expansion and overlap-matching rules
// for German door-number expressions ("1-3", "1,2,3", "23/24", "10a") that
// the dataset engine and customer cache both rely on for address identity.
package housenumber

import (
	"regexp"
	"strconv"
	"strings"
)

// validExprRe accepts the house-number shapes that occur on real nameplates:
// a number with an optional letter suffix ("12", "10a"), optionally chained
// into a range or list with "-", ",", or "/" ("1-5", "1,2,3", "23/24").
var validExprRe = regexp.MustCompile(`^\d+[a-zA-Z]?(\s*[-,/]\s*\d+[a-zA-Z]?)*$`)

// IsValid reports whether raw is a well-formed house-number expression.
func IsValid(raw string) bool {
	return validExprRe.MatchString(strings.TrimSpace(raw))
}

// maxExpansionSize bounds the number of individual values an expanded range
// may produce before being truncated to just its endpoints.
const maxExpansionSize = 50

// Expand parses a house-number expression into the set of literal values it
// denotes. Ranges ("1-3") expand to every integer in between; lists ("1,2,3",
// "23/24") split on their separator; letter suffixes ("10a") and malformed
// ranges ("3-1", non-integer bounds) are returned as a single literal.
func Expand(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	if strings.ContainsAny(s, ",/") {
		sep := ","
		if strings.Contains(s, "/") && !strings.Contains(s, ",") {
			sep = "/"
		}
		parts := strings.Split(s, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			out = append(out, Expand(p)...)
		}
		return dedupe(out)
	}

	if idx := strings.Index(s, "-"); idx > 0 {
		startStr, endStr := s[:idx], s[idx+1:]
		start, errStart := strconv.Atoi(strings.TrimSpace(startStr))
		end, errEnd := strconv.Atoi(strings.TrimSpace(endStr))
		if errStart == nil && errEnd == nil && end >= start {
			size := end - start + 1
			if size > maxExpansionSize {
				return []string{strconv.Itoa(start), strconv.Itoa(end)}
			}
			out := make([]string, 0, size)
			for n := start; n <= end; n++ {
				out = append(out, strconv.Itoa(n))
			}
			return out
		}
		// Invalid range ("3-1", non-integer bounds): treat as literal.
		return []string{s}
	}

	return []string{s}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Matches reports whether two house-number expressions overlap, i.e. whether
// their expansions share at least one literal value. This predicate is
// symmetric and is used both for existing-customer filtering and the 30-day
// dataset ownership window.
func Matches(a, b string) bool {
	expA := Expand(a)
	expB := Expand(b)
	if len(expA) == 0 || len(expB) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(expA))
	for _, v := range expA {
		set[v] = struct{}{}
	}
	for _, v := range expB {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
