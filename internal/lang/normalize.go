// Package lang contains Spanish text helpers shared by the matcher and the
// multi-item extractor: diacritic folding, naive singularization and
// quantity/number-word parsing.
package lang

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize strips diacritics, lowercases and collapses internal whitespace.
// Total over any input; an empty string maps to an empty string.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	folded, _, err := transform.String(foldAccents, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// SingularizeToken applies ordered Spanish plural heuristics:
// luces -> luz, papeles -> papel, toallas -> toalla. Irregular plurals and
// short words are out of scope.
func SingularizeToken(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return t
	}
	if strings.HasSuffix(t, "ces") && len(t) > 3 {
		return t[:len(t)-3] + "z"
	}
	if strings.HasSuffix(t, "es") && len(t) > 3 {
		// consonant before "es" usually means the whole suffix drops
		if !strings.ContainsRune("aeiou", rune(t[len(t)-3])) {
			return t[:len(t)-2]
		}
	}
	if strings.HasSuffix(t, "s") && len(t) > 3 {
		return t[:len(t)-1]
	}
	return t
}

// SingularizePhrase normalizes the phrase and singularizes every
// whitespace-delimited token independently.
func SingularizePhrase(s string) string {
	parts := strings.Fields(Normalize(s))
	for i, p := range parts {
		parts[i] = SingularizeToken(p)
	}
	return strings.Join(parts, " ")
}
