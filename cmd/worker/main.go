package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notiflow/internal/app"
	"notiflow/internal/config"
	"notiflow/internal/infra/queue"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("worker configuration loaded", "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// ==========================================
	// Asynq Server (dispatch + cleanup tasks)
	// ==========================================

	srv := queue.NewServer(a.RedisOpt, cfg.Queue.Concurrency, time.Duration(cfg.Queue.RetryDelaySec)*time.Second)
	mux := queue.NewMux(a.Worker)
	if err := srv.Start(mux); err != nil {
		slog.Error("worker failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("worker started", "concurrency", cfg.Queue.Concurrency, "redis", cfg.Redis.Address)

	// ==========================================
	// Periodic cleanup
	// ==========================================

	scheduler, err := queue.NewScheduler(a.RedisOpt, cfg.Cleanup.Cron)
	if err != nil {
		slog.Error("failed to register cleanup schedule", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		slog.Error("scheduler failed to start", "error", err)
		os.Exit(1)
	}

	// ==========================================
	// Due sweeper
	// ==========================================

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.Sweeper.Run(ctx)
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")
	<-sweepDone // stop producing before the consumers go away
	scheduler.Shutdown()
	srv.Shutdown()
	slog.Info("worker exited gracefully")
}
