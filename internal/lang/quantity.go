package lang

import (
	"regexp"
	"strconv"
	"strings"
)

// quantityWords are checked by prefix, longest spelling first so that
// "uno" wins over "un".
var quantityWords = []struct {
	word  string
	value int
}{
	{"uno", 1}, {"una", 1}, {"un", 1},
	{"dos", 2}, {"tres", 3}, {"cuatro", 4}, {"cinco", 5},
	{"seis", 6}, {"siete", 7}, {"ocho", 8}, {"nueve", 9}, {"diez", 10},
	{"par", 2},
}

// numberWordValues covers the running-text vocabulary the extractor
// rewrites to digits.
var numberWordValues = map[string]int{
	"un": 1, "uno": 1, "una": 1,
	"dos": 2, "tres": 3, "cuatro": 4, "cinco": 5, "seis": 6,
	"siete": 7, "ocho": 8, "nueve": 9, "diez": 10, "once": 11,
	"doce": 12, "quince": 15, "veinte": 20,
}

// Alternation ordered longest-first so "veinte" is never eaten by "un".
var numberWordPattern = regexp.MustCompile(`\b(veinte|quince|cuatro|cinco|siete|nueve|doce|once|diez|tres|ocho|seis|una|uno|dos|un)\b`)

var digitRunPattern = regexp.MustCompile(`\d+`)

// ParseQuantity maps a token to a quantity: "x3"/"3x" patterns, plain
// digits, or a leading Spanish number word. Anything unparseable yields
// def. The result is always at least 1; this function never fails.
func ParseQuantity(token string, def int) int {
	t := Normalize(token)

	if strings.HasPrefix(t, "x") && isDigits(t[1:]) {
		return atLeastOne(mustAtoi(t[1:]))
	}
	if strings.HasSuffix(t, "x") && isDigits(t[:len(t)-1]) {
		return atLeastOne(mustAtoi(t[:len(t)-1]))
	}

	if digits := keepDigits(t); digits != "" {
		return atLeastOne(mustAtoi(digits))
	}

	for _, qw := range quantityWords {
		if strings.HasPrefix(t, qw.word) {
			return qw.value
		}
	}

	return atLeastOne(def)
}

// ReplaceNumberWords rewrites embedded Spanish number words to digits,
// respecting word boundaries. The input is lowercased first.
func ReplaceNumberWords(text string) string {
	lower := strings.ToLower(text)
	return numberWordPattern.ReplaceAllStringFunc(lower, func(w string) string {
		return strconv.Itoa(numberWordValues[w])
	})
}

// CountNumberTokens counts digit runs plus distinct number words present
// in the text. Used by the list-detection predicate.
func CountNumberTokens(text string) int {
	lower := strings.ToLower(text)
	count := len(digitRunPattern.FindAllString(lower, -1))
	count += len(numberWordPattern.FindAllString(lower, -1))
	return count
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
