package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresCoreVars(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("GEMINI_KEYS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, err.Error(), "GEMINI_KEYS")
}

func TestLoadDefaultsAndParsing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tienda")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("GEMINI_KEYS", " k1, k2 ,,k3 ")
	t.Setenv("GEMINI_TIMEOUT", "5s")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.GeminiAPIKeys)
	assert.Equal(t, 5*time.Second, cfg.GeminiTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, 6, cfg.CatalogLimit)
	assert.Equal(t, "gemini-2.0-flash", cfg.GeminiModel)
}
