package convo

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"bot-tienda/internal/lang"
	"bot-tienda/internal/repo"
)

// itemPattern captures "<cantidad> [de] <frase>" fragments. The phrase
// class excludes digits and commas, so a following quantity or separator
// ends the fragment.
var itemPattern = regexp.MustCompile(`(\d+)\s+(?:de\s+)?([a-záéíóúñü][a-záéíóúñü ]*)`)

// trailingConnector strips a dangling connector swallowed by the greedy
// phrase match, e.g. "papel y" -> "papel".
var trailingConnector = regexp.MustCompile(`\s+(y|e|de|del|la|el|los|las|un|una)$`)

var listConnector = regexp.MustCompile(`\s+y\s+|\s*,\s*`)

var listKeywords = []string{"agrega", "agregar", "añade", "añadir", "quiero", "dame", "necesito", "me das", "ponme"}

// ExtractedItem is one resolved line of a free-text order.
type ExtractedItem struct {
	Product repo.Product
	Qty     int
	Phrase  string
}

// looksLikeList reports whether free text reads like a multi-item order:
// an order verb plus a quantity, or several quantities joined by
// connectors.
func looksLikeList(lower string) bool {
	hasKeyword := false
	for _, kw := range listKeywords {
		if strings.Contains(lower, kw) {
			hasKeyword = true
			break
		}
	}
	quantities := lang.CountNumberTokens(lower)
	if hasKeyword && quantities >= 1 {
		return true
	}
	return quantities >= 2 && listConnector.MatchString(lower)
}

// extractItems parses quantity+phrase fragments out of free text and
// resolves each phrase against the catalog. Phrases that resolve to
// nothing are dropped; an empty result means the text was not an order.
func (e *Engine) extractItems(ctx context.Context, text string) ([]ExtractedItem, error) {
	lowered := lang.ReplaceNumberWords(strings.ToLower(text))

	var items []ExtractedItem
	for _, m := range itemPattern.FindAllStringSubmatch(lowered, -1) {
		qty, err := strconv.Atoi(m[1])
		if err != nil || qty < 1 {
			continue
		}
		phrase := strings.TrimSpace(m[2])
		phrase = trailingConnector.ReplaceAllString(phrase, "")
		if utf8.RuneCountInString(phrase) < 2 {
			continue
		}

		product, err := findBest(ctx, e.store, phrase)
		if err != nil {
			return nil, err
		}
		if product == nil {
			continue
		}
		items = append(items, ExtractedItem{Product: *product, Qty: qty, Phrase: phrase})
	}
	return items, nil
}
