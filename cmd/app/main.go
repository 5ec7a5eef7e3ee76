package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"toolbot/internal/cache"
	"toolbot/internal/config"
	"toolbot/internal/convo"
	"toolbot/internal/gateway"
	"toolbot/internal/httpserver"
	"toolbot/internal/logging"
	"toolbot/internal/metrics"
	"toolbot/internal/nlu"
	"toolbot/internal/repo"
	"toolbot/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting toolbot", "env", cfg.AppEnv)

	webhookURL := strings.TrimRight(cfg.PublicBaseURL, "/") + "/webhook/sms"
	if cfg.PublicBaseURL != "" {
		logger.Info("public base url configured", "base_url", cfg.PublicBaseURL, "webhook_url", webhookURL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var store repo.Store
	if cfg.DatabaseURL != "" {
		store, err = repo.NewPostgres(ctx, cfg.DatabaseURL, logger)
	} else {
		store, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	if err := store.SyncOracleKeys(ctx, cfg.GeminiAPIKeys); err != nil {
		return fmt.Errorf("sync oracle keys: %w", err)
	}

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	oracle := nlu.New(store, logger, metricRegistry, nlu.Config{
		Model:    cfg.GeminiModel,
		Timeout:  cfg.GeminiTimeout,
		Cooldown: cfg.GeminiCooldown,
	})

	engine := convo.New(store, oracle, convo.NewRedisPending(redisClient), metricRegistry, logger, convo.EngineConfig{
		HistoryLimit: cfg.HistoryLimit,
	})

	webhookHandler := gateway.NewWebhookHandler(logger, metricRegistry, cfg.GatewayAuthToken, webhookURL, cfg.GatewaySkipVerify, engine)

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, store, httpserver.Handlers{
		SMSWebhook: webhookHandler,
	}, cfg.AdminToken, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
