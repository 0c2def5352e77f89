package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bot-tienda/internal/cache"
	"bot-tienda/internal/config"
	"bot-tienda/internal/convo"
	"bot-tienda/internal/metrics"
	"bot-tienda/internal/n8n"
	"bot-tienda/internal/nlu"
	"bot-tienda/internal/repo"
	"bot-tienda/internal/session"
	"bot-tienda/internal/tg"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting bot", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	var redis *cache.Redis
	if cfg.RedisAddr != "" {
		redis, err = cache.New(ctx, cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, continuing without cache", "error", err)
			redis = nil
		} else {
			defer redis.Close()
			logger.Info("redis connected", "addr", cfg.RedisAddr)
		}
	}

	m := metrics.New(cfg.MetricsNamespace)

	store := repo.New(pool, redis, logger)

	ai := nlu.New(nlu.Config{
		Keys:     cfg.GeminiAPIKeys,
		Model:    cfg.GeminiModel,
		Timeout:  cfg.GeminiTimeout,
		Cooldown: cfg.GeminiKeyCooldown,
	}, logger, m)

	var hook convo.Webhook
	if client := n8n.New(n8n.Config{
		URL:      cfg.N8NWebhookURL,
		Username: cfg.N8NUsername,
		Password: cfg.N8NPassword,
		Timeout:  cfg.N8NTimeout,
	}, logger, m); client != nil {
		hook = client
		logger.Info("n8n webhook enabled")
	}

	gateway, err := tg.New(cfg.TelegramToken, logger)
	if err != nil {
		return fmt.Errorf("start telegram gateway: %w", err)
	}
	logger.Info("telegram connected", "bot", gateway.Username())

	engine := convo.NewEngine(
		store,
		session.NewCartStore(),
		session.NewHistoryStore(cfg.MaxHistory),
		ai,
		hook,
		gateway,
		redis,
		m,
		logger,
		cfg.CatalogLimit,
	)

	httpSrv := newHTTPServer(cfg.HTTPListenAddr, m, pool)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	gateway.Run(ctx, engine)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	logger.Info("bye")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newHTTPServer(addr string, m *metrics.Metrics, pool *pgxpool.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
