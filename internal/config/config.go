// Package config loads runtime configuration from the environment, with
// .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	LogLevel string

	HTTPListenAddr   string
	MetricsNamespace string

	DatabaseURL string

	TelegramToken string

	GeminiAPIKeys     []string
	GeminiModel       string
	GeminiTimeout     time.Duration
	GeminiKeyCooldown time.Duration

	N8NWebhookURL string
	N8NUsername   string
	N8NPassword   string
	N8NTimeout    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MaxHistory   int
	CatalogLimit int
}

// Load reads the environment, after best-effort loading of a local .env
// file, and validates the required fields.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "bot_tienda"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		GeminiAPIKeys:     splitList(os.Getenv("GEMINI_KEYS")),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiTimeout:     getEnvDuration("GEMINI_TIMEOUT", 30*time.Second),
		GeminiKeyCooldown: getEnvDuration("GEMINI_KEY_COOLDOWN", 10*time.Minute),

		N8NWebhookURL: os.Getenv("N8N_WEBHOOK_URL"),
		N8NUsername:   os.Getenv("N8N_BASIC_AUTH_USER"),
		N8NPassword:   os.Getenv("N8N_BASIC_AUTH_PASSWORD"),
		N8NTimeout:    getEnvDuration("N8N_TIMEOUT", 10*time.Second),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisTLS:      getEnvBool("REDIS_TLS", false),

		MaxHistory:   getEnvInt("MAX_HISTORY", 10),
		CatalogLimit: getEnvInt("CATALOG_LIMIT", 6),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if len(c.GeminiAPIKeys) == 0 {
		missing = append(missing, "GEMINI_KEYS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
