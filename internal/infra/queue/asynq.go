package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/hibiken/asynq"
)

// QueueName is the asynq queue dispatch tasks are placed on.
const QueueName = "notifications"

// RedisOpt builds the asynq connection options.
func RedisOpt(redisAddr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	}
}

// NewServer creates a new asynq server connected to Redis.
func NewServer(opt asynq.RedisClientOpt, concurrency int, baseDelay time.Duration) *asynq.Server {
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	return asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueName: 10, // priority weight
				"default": 1,
			},
			RetryDelayFunc: retryDelay(baseDelay),
			Logger:         slogAdapter{},
		},
	)
}

// retryDelay doubles baseDelay per previous retry, capped at 32x.
func retryDelay(baseDelay time.Duration) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return baseDelay * time.Duration(1<<min(max(n, 0), 5))
	}
}

// NewMux routes task types to the worker.
func NewMux(worker *notification.Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(notification.TaskTypeDispatch, func(ctx context.Context, t *asynq.Task) error {
		p, err := notification.ParseDispatchPayload(t.Payload())
		if err != nil {
			// A malformed payload never becomes valid; do not retry it.
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return worker.ProcessDispatch(ctx, p)
	})
	mux.HandleFunc(notification.TaskTypeCleanup, func(ctx context.Context, _ *asynq.Task) error {
		return worker.ProcessCleanup(ctx)
	})
	return mux
}

var _ notification.Enqueuer = (*Enqueuer)(nil)

// Enqueuer puts dispatch tasks on the queue.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
}

// NewEnqueuer creates a new asynq-backed enqueuer.
func NewEnqueuer(opt asynq.RedisClientOpt, maxRetry int) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opt), maxRetry: maxRetry}
}

// EnqueueDispatch enqueues a dispatch task. The task id is derived from the
// record version, so a sweep that finds the same unchanged record twice
// queues it once.
func (e *Enqueuer) EnqueueDispatch(ctx context.Context, id string, version int64) error {
	task, err := notification.NewDispatchTask(id, version)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(notification.DispatchTaskID(id, version)),
		asynq.MaxRetry(e.maxRetry),
		asynq.Queue(QueueName),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueuing task: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// NewScheduler registers the periodic cleanup task on cronspec.
func NewScheduler(opt asynq.RedisClientOpt, cronspec string) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: slogAdapter{},
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				slog.Error("scheduled task enqueue failed", "error", err)
			}
		},
	})
	if _, err := scheduler.Register(cronspec, notification.NewCleanupTask(), asynq.Queue(QueueName)); err != nil {
		return nil, fmt.Errorf("registering cleanup task: %w", err)
	}
	return scheduler, nil
}

// slogAdapter routes asynq's logger through slog.
type slogAdapter struct{}

func (slogAdapter) Debug(args ...any) { slog.Debug(fmt.Sprint(args...)) }
func (slogAdapter) Info(args ...any)  { slog.Info(fmt.Sprint(args...)) }
func (slogAdapter) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...)) }
func (slogAdapter) Error(args ...any) { slog.Error(fmt.Sprint(args...)) }
func (slogAdapter) Fatal(args ...any) { slog.Error(fmt.Sprint(args...)) }
