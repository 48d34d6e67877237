// Package app wires the notification engine from configuration. Both the
// API server and the worker build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notiflow/internal/config"
	"notiflow/internal/domain/notification"
	"notiflow/internal/infra/email"
	"notiflow/internal/infra/gateway"
	"notiflow/internal/infra/inapp"
	"notiflow/internal/infra/queue"
	"notiflow/internal/infra/ratelimit"
	"notiflow/internal/infra/store"
	"notiflow/internal/infra/template"
	"notiflow/internal/infra/upstream"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// App holds the wired engine components.
type App struct {
	Config   *config.Config
	Redis    *redis.Client
	RedisOpt asynq.RedisClientOpt
	Store    notification.Store
	Enqueuer *queue.Enqueuer
	Engine   *notification.Engine
	Sweeper  *notification.Sweeper
	Cleaner  *notification.Cleaner
	Service  *notification.Service
	Worker   *notification.Worker

	pingDB  func(context.Context) error
	closers []func()
}

// New connects to the store and Redis and builds the engine.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	// ==========================================
	// Store
	// ==========================================

	switch cfg.Database.Driver {
	case "supabase":
		s, err := store.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, fmt.Errorf("initializing supabase store: %w", err)
		}
		a.Store = s
		slog.Info("supabase store initialized")
	default:
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:      cfg.Database.DSN,
			MaxConns: int32(cfg.Database.MaxConns),
			Migrate:  cfg.Database.AutoMigrate,
			LogSQL:   cfg.Database.LogSQL,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.pingDB = pg.Ping
		a.Store = store.NewGormStore(pg.DB)
		slog.Info("postgres store initialized", "migrate", cfg.Database.AutoMigrate)
	}

	// ==========================================
	// Redis + queue
	// ==========================================

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	a.RedisOpt = queue.RedisOpt(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	a.Enqueuer = queue.NewEnqueuer(a.RedisOpt, cfg.Queue.MaxRetry)
	a.closers = append(a.closers, func() { _ = a.Enqueuer.Close() })

	// ==========================================
	// Engine
	// ==========================================

	transports, err := buildTransports(cfg, a.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimit.NewRedisChannelLimiter(a.Redis, map[notification.Channel]int{
		notification.ChannelPush: cfg.ChannelRateLimit.PushPerHour,
		notification.ChannelSMS:  cfg.ChannelRateLimit.SMSPerHour,
	}, time.Hour)

	dispatcher := notification.NewDispatcher(cfg.Dispatch.ChannelTimeout(), limiter, transports...)
	evaluator := notification.NewEvaluator(cfg.Dispatch.RescheduleDelay())

	var users notification.ContextProvider
	if cfg.Upstream.ContextURL != "" {
		users = upstream.NewContextClient(cfg.Upstream.ContextURL, cfg.Upstream.APIKey, a.Redis, cfg.Upstream.CacheTTL())
	}
	var content notification.ContentProvider
	if cfg.Upstream.ContentURL != "" {
		content = upstream.NewContentClient(cfg.Upstream.ContentURL, cfg.Upstream.APIKey, a.Redis, cfg.Upstream.CacheTTL())
	}

	leaseTTL := cfg.Dispatch.LeaseTTL()
	if leaseTTL <= 0 {
		leaseTTL = dispatcher.Timeout() + 30*time.Second
	}
	a.Engine = notification.NewEngine(a.Store, evaluator, dispatcher, users, content, notification.EngineConfig{
		LeaseTTL:     leaseTTL,
		ExpiryWindow: cfg.Dispatch.ExpiryWindow(),
	})

	batcher := notification.NewBatcher(a.Store, leaseTTL, cfg.Dispatch.ExpiryWindow())
	a.Sweeper = notification.NewSweeper(a.Store, batcher, a.Enqueuer, a.Engine, notification.SweeperConfig{
		Interval:    cfg.Scheduler.Interval(),
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
	})
	a.Cleaner = notification.NewCleaner(a.Store, notification.CleanerConfig{
		Retention: cfg.Cleanup.Retention(),
		BatchSize: cfg.Cleanup.BatchSize,
	})
	a.Service = notification.NewService(a.Store, a.Enqueuer, a.Sweeper, a.Cleaner, notification.Defaults{
		MaxRetries:           cfg.Dispatch.MaxRetries,
		RetryIntervalSeconds: cfg.Dispatch.RetryIntervalSec,
		ExpiryWindow:         cfg.Dispatch.ExpiryWindow(),
		MaxBatchSize:         cfg.Scheduler.MaxBatchSize,
	})
	a.Worker = notification.NewWorker(a.Engine, a.Cleaner)

	return a, nil
}

// buildTransports returns one transport per configured channel. In-app is
// always available.
func buildTransports(cfg *config.Config, rdb *redis.Client) ([]notification.Transport, error) {
	transports := []notification.Transport{inapp.NewPublisher(rdb)}

	if cfg.Email.APIKey != "" {
		renderer, err := template.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("initializing template engine: %w", err)
		}
		sender := email.Sender{
			Address:       cfg.Email.FromAddress,
			Name:          cfg.Email.FromName,
			TrackDelivery: cfg.Email.TrackDelivery,
		}
		switch cfg.Email.Provider {
		case "postmark":
			t, err := email.NewPostmarkTransport(cfg.Email.APIKey, cfg.Email.AccountToken, sender, renderer)
			if err != nil {
				return nil, fmt.Errorf("initializing postmark: %w", err)
			}
			transports = append(transports, t)
		default:
			transports = append(transports, email.NewResendTransport(cfg.Email.APIKey, sender, renderer))
		}
		slog.Info("email transport enabled", "provider", cfg.Email.Provider, "track_delivery", cfg.Email.TrackDelivery)
	}
	if cfg.Push.Enabled {
		transports = append(transports, gateway.NewPushTransport(cfg.Push.Endpoint, cfg.Push.APIKey))
		slog.Info("push transport enabled")
	}
	if cfg.SMS.Enabled {
		transports = append(transports, gateway.NewSMSTransport(cfg.SMS.Endpoint, cfg.SMS.APIKey, cfg.SMS.From))
		slog.Info("sms transport enabled")
	}
	if cfg.Webhook.Enabled {
		transports = append(transports, gateway.NewWebhookTransport(cfg.Webhook.URL, cfg.Webhook.Secret))
		slog.Info("webhook transport enabled")
	}
	return transports, nil
}

// Ping checks the store and Redis.
func (a *App) Ping(ctx context.Context) error {
	var errs []error
	if a.pingDB != nil {
		if err := a.pingDB(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
