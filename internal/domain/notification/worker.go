package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker processes notification tasks from the queue.
// It hands each dispatch task to the engine, which re-reads the record from
// the store, so a stale or duplicated task is harmless.
type Worker struct {
	engine  *Engine
	cleaner *Cleaner
}

// NewWorker creates a new notification worker.
func NewWorker(engine *Engine, cleaner *Cleaner) *Worker {
	return &Worker{engine: engine, cleaner: cleaner}
}

// ProcessDispatch handles a dispatch task from the queue. Returning an
// error makes the queue retry the task; outcomes the engine already
// recorded on the record (retry scheduled, failed) are not errors.
func (w *Worker) ProcessDispatch(ctx context.Context, p *DispatchPayload) error {
	start := time.Now()

	result, err := w.engine.Process(ctx, p.NotificationID)
	if err != nil {
		slog.Error("dispatch task failed",
			"notification_id", p.NotificationID,
			"version", p.Version,
			"error", err,
			"duration", time.Since(start),
		)
		return fmt.Errorf("processing notification %s: %w", p.NotificationID, err)
	}

	slog.Debug("dispatch task done",
		"notification_id", p.NotificationID,
		"result", result,
		"duration", time.Since(start),
	)
	return nil
}

// ProcessCleanup handles the periodic retention purge.
func (w *Worker) ProcessCleanup(ctx context.Context) error {
	if w.cleaner == nil {
		return nil
	}
	_, err := w.cleaner.Purge(ctx, time.Now())
	return err
}
