package convo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-tienda/internal/repo"
)

func TestFindBestShortPhraseSkipsQuery(t *testing.T) {
	store := catalogFixture()

	p, err := findBest(context.Background(), store, " a ")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, store.candidateTokens)
}

func TestFindBestMatchesPluralAndAccents(t *testing.T) {
	store := catalogFixture()

	p, err := findBest(context.Background(), store, "Jabónes")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.ID)
}

func TestFindBestPrefersHigherTokenOverlap(t *testing.T) {
	store := newFakeStore(
		repo.Product{ID: 1, Name: "Crema", Price: 1000, Stock: 5},
		repo.Product{ID: 2, Name: "Crema Dental Menta", Price: 2000, Stock: 5},
	)

	p, err := findBest(context.Background(), store, "crema dental")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(2), p.ID)
}

func TestFindBestNoPlausibleMatch(t *testing.T) {
	store := catalogFixture()

	p, err := findBest(context.Background(), store, "motosierra industrial")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMatchTokensDedupesAndDropsNoise(t *testing.T) {
	got := matchTokens("papel higienico", "papel higienico y")
	assert.Equal(t, []string{"papel", "higienico"}, got)
}
