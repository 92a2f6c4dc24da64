// Package main is the entrypoint for the calwatch notifier service.
//
// The notifier is a single long-running process. It polls the configured
// ICS calendar feeds on a cron schedule, decides which upcoming events are
// due a reminder, delivers reminders to a Telegram chat with an inline
// confirm button, and runs a Telegram long-poll loop for button presses
// and calendar query commands. A small HTTP server exposes a health probe
// and an out-of-band confirmation endpoint.
//
// This file handles dependency wiring only; all business logic lives in
// the internal packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"calwatch/internal/api"
	"calwatch/internal/bot"
	"calwatch/internal/config"
	"calwatch/internal/db"
	"calwatch/internal/engine"
	"calwatch/internal/external"
	"calwatch/internal/notify"
	"calwatch/internal/scheduler"
	"calwatch/internal/source"
	"calwatch/internal/types"
)

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)

func main() {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})).With("service", cfg.Service, "env", cfg.Environment)
	typedLogger := &slogAdapter{logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database pool.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("invalid database URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}
	store := db.NewStore(pool)

	// Calendar feeds.
	feedMap, err := cfg.Calendar.Feeds()
	if err != nil {
		logger.Error("invalid calendar feed configuration", "error", err)
		os.Exit(1)
	}
	feeds := make([]source.Feed, 0, len(feedMap))
	for label, url := range feedMap {
		feeds = append(feeds, source.Feed{Label: label, URL: url})
	}
	events := source.NewMultiFeedSource(feeds, cfg.Calendar.FetchTimeout, typedLogger.With("component", "source"))

	// Telegram delivery.
	location, err := cfg.Notify.Location()
	if err != nil {
		logger.Error("invalid display timezone", "error", err)
		os.Exit(1)
	}
	telegramCfg := external.TelegramClientConfig{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.APIBaseURL,
		Logger:  logger,
	}
	// Delivery and long-polling get separate clients: getUpdates holds the
	// connection for PollTimeout seconds, which needs a larger HTTP timeout
	// and must not share a circuit breaker with reminder delivery.
	telegram := external.NewTelegramClient(&http.Client{Timeout: cfg.Telegram.Timeout}, telegramCfg)
	pollTelegram := external.NewTelegramPollClient(cfg.Telegram.PollTimeout, telegramCfg)
	sink := notify.NewSink(telegram, cfg.Telegram.ChatID, location, cfg.Notify.ButtonTTL, typedLogger.With("component", "sink"))

	// Decision engine.
	clock := types.RealClock{}
	eng, err := engine.New(engine.Config{
		Checkpoints: engine.NormalizeCheckpoints(cfg.Notify.Intervals),
		Lookahead:   cfg.Notify.Lookahead,
		ConfirmTTL:  cfg.Notify.ButtonTTL,
	}, store, sink, clock, typedLogger.With("component", "engine"))
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}

	// Periodic jobs.
	runner := scheduler.NewCycleRunner(events, eng, cfg.Notify.Lookahead, clock, typedLogger.With("component", "cycle"))
	retention := scheduler.NewRetentionJob(
		store.Notifications(),
		cfg.Scheduler.RetentionGrace,
		cfg.Scheduler.ArchiveDir,
		clock,
		typedLogger.With("component", "retention"),
	)
	sched, err := scheduler.New(cfg.Scheduler.CycleSpec, cfg.Scheduler.CleanupSpec, runner, retention, typedLogger.With("component", "scheduler"))
	if err != nil {
		logger.Error("failed to construct scheduler", "error", err)
		os.Exit(1)
	}

	// Telegram update loop.
	tgBot := bot.New(pollTelegram, eng, store.Notifications(), events, bot.Config{
		ChatID:      cfg.Telegram.ChatID,
		PollTimeout: cfg.Telegram.PollTimeout,
		ButtonTTL:   cfg.Notify.ButtonTTL,
		Location:    location,
	}, clock, typedLogger.With("component", "bot"))

	// Admin HTTP server.
	server := api.NewServer(":"+cfg.Server.Port, eng, pool, clock, logger.With("component", "api"))

	logger.Info("calwatch notifier starting",
		"feeds", len(feeds),
		"intervals", cfg.Notify.Intervals,
		"lookahead", cfg.Notify.Lookahead.String(),
		"chat_id", cfg.Telegram.ChatID,
		"cycle_cron", cfg.Scheduler.CycleSpec,
		"cleanup_cron", cfg.Scheduler.CleanupSpec,
	)

	sched.Start()

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := tgBot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("component failed, shutting down", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	sched.Stop()

	logger.Info("calwatch notifier stopped")
}

// parseLogLevel maps the LOG_LEVEL config value to a slog level, defaulting
// to info on unknown values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
