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

	"notiflow/internal/app"
	"notiflow/internal/config"
	"notiflow/internal/domain/notification"
	"notiflow/internal/infra/email"
	"notiflow/internal/infra/inapp"
	"notiflow/internal/router"
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
	slog.Info("configuration loaded", "port", cfg.Server.Port, "mode", cfg.Server.Mode, "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Provider webhook verification
	var verifier notification.WebhookVerifier
	if cfg.Email.WebhookSecret != "" {
		v, err := email.NewWebhookVerifier(cfg.Email.WebhookSecret)
		if err != nil {
			slog.Error("invalid email webhook secret", "error", err)
			os.Exit(1)
		}
		verifier = v
	} else {
		slog.Warn("email webhook secret not set, provider callbacks are accepted unsigned")
	}

	notificationHandler := notification.NewHandler(a.Service, verifier)

	// In-app stream hub, fed from Redis so any worker's publish reaches it.
	// Clients report opens and dismissals back over the same socket.
	hub := inapp.NewHub(a.Redis, cfg.CORS.AllowedOrigins).WithRecorder(a.Service)
	go func() {
		if err := hub.Run(ctx); err != nil {
			slog.Error("in-app hub stopped", "error", err)
		}
	}()

	r := router.New(cfg, notificationHandler, hub.Stream, a.Ping)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server exited gracefully")
}
