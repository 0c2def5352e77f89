package convo

import (
	"context"
	"strings"
	"unicode/utf8"

	"bot-tienda/internal/lang"
	"bot-tienda/internal/repo"
)

const matcherCandidateLimit = 15

// findBest resolves a free-text phrase to the best matching in-stock
// product, or nil when nothing plausible matches. Errors are storage
// failures only.
func findBest(ctx context.Context, store Store, phrase string) (*repo.Product, error) {
	term := strings.TrimSpace(phrase)
	if utf8.RuneCountInString(term) < 2 {
		return nil, nil
	}

	folded := lang.Normalize(term)
	singular := lang.SingularizePhrase(term)
	tokens := matchTokens(folded, singular)

	if len(tokens) == 0 {
		fallback := singular
		if fallback == "" {
			fallback = folded
		}
		rows, err := store.SearchByPhrase(ctx, fallback, 5)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return &rows[0], nil
	}

	rows, err := store.CandidatesByTokens(ctx, tokens, matcherCandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// Token overlap against the folded product name; SQL already
	// ordered candidates shortest-name first, so ties keep the most
	// specific product.
	var best *repo.Product
	bestScore := 0
	for i := range rows {
		name := lang.Normalize(rows[i].Name)
		score := 0
		for _, t := range tokens {
			if strings.Contains(name, t) {
				score++
			}
		}
		if score > bestScore {
			best = &rows[i]
			bestScore = score
		}
	}
	if best == nil {
		best = &rows[0]
	}
	return best, nil
}

// matchTokens merges the folded and singularized token sets, keeping
// first-seen order and dropping one-character noise.
func matchTokens(folded, singular string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, src := range []string{folded, singular} {
		for _, tok := range strings.Fields(src) {
			if utf8.RuneCountInString(tok) < 2 || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}
