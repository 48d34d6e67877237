package notification

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Enqueuer defines the contract for handing due notifications to workers.
// This allows the sweeper to be decoupled from the specific queue implementation.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, id string, version int64) error
}

// SweeperConfig holds configuration for the due-work sweeper.
type SweeperConfig struct {
	// Interval is how often the sweeper scans for due notifications.
	Interval time.Duration

	// BatchSize is the maximum number of due notifications handled per cycle.
	BatchSize int

	// Concurrency bounds in-process dispatch during a forced sweep.
	Concurrency int
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Due        int `json:"due"`
	Digests    int `json:"digests"`
	Batched    int `json:"batched"`
	Held       int `json:"held"`
	Dispatched int `json:"dispatched"`
	Errors     int `json:"errors"`
}

// Sweeper periodically scans the store for notifications whose time has
// come, folds batchable groups into digests, and hands the rest to the
// dispatch workers. The store is the source of truth: a record lost from
// the queue is simply found again on the next sweep.
type Sweeper struct {
	store    Store
	batcher  *Batcher
	enqueuer Enqueuer
	engine   *Engine
	config   SweeperConfig
	now      func() time.Time
}

// NewSweeper creates a new due-work sweeper. enqueuer may be nil when the
// sweeper only runs forced in-process sweeps.
func NewSweeper(store Store, batcher *Batcher, enqueuer Enqueuer, engine *Engine, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Sweeper{
		store:    store,
		batcher:  batcher,
		enqueuer: enqueuer,
		engine:   engine,
		config:   cfg,
		now:      time.Now,
	}
}

// Run starts the sweeper loop. It blocks until the context is cancelled.
// Should be called in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("sweeper started",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			stats := s.Sweep(ctx, s.enqueue)
			if stats.Due > 0 {
				slog.Info("sweeper: cycle complete",
					"due", stats.Due,
					"dispatched", stats.Dispatched,
					"digests", stats.Digests,
					"batched", stats.Batched,
					"held", stats.Held,
					"errors", stats.Errors,
				)
			}
		}
	}
}

// ProcessDue runs one sweep and processes every due record in-process with
// bounded parallelism. This is the operator's force-process trigger.
func (s *Sweeper) ProcessDue(ctx context.Context) SweepStats {
	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	stats := s.Sweep(ctx, func(_ context.Context, n *Notification) error {
		g.Go(func() error {
			if _, err := s.engine.Process(gctx, n.ID); err != nil {
				failures.Add(1)
				slog.Error("forced dispatch failed", "notification_id", n.ID, "error", err)
			}
			return nil
		})
		return nil
	})
	_ = g.Wait()
	stats.Errors += int(failures.Load())
	return stats
}

// Sweep performs one cycle, handing every dispatchable record to handle.
func (s *Sweeper) Sweep(ctx context.Context, handle func(context.Context, *Notification) error) SweepStats {
	var stats SweepStats
	now := s.now()

	due, err := s.store.ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		slog.Error("sweeper: failed to list due notifications", "error", err)
		stats.Errors++
		return stats
	}
	stats.Due = len(due)
	if len(due) == 0 {
		return stats
	}

	skip := make(map[string]bool)
	var digests []*Notification
	seen := make(map[[2]string]bool)
	for _, n := range due {
		if !eligibleForBatch(n) {
			continue
		}
		key := [2]string{n.UserID, n.Grouping.GroupID}
		if seen[key] {
			continue
		}
		seen[key] = true

		// A group larger than its batch size is folded into successive
		// digests until fewer than two members remain.
		for i, limit := 0, len(due); i < limit; i++ {
			res, err := s.batcher.Collapse(ctx, key[0], key[1], now)
			if err != nil {
				slog.Error("sweeper: batching failed",
					"user_id", key[0],
					"group_id", key[1],
					"error", err,
				)
				stats.Errors++
				break
			}
			for _, id := range res.Held {
				skip[id] = true
			}
			for _, id := range res.Batched {
				skip[id] = true
			}
			stats.Held += len(res.Held)
			stats.Batched += len(res.Batched)
			if res.Digest == nil || len(res.Batched) == 0 {
				break
			}
			stats.Digests++
			digests = append(digests, res.Digest)
		}
	}

	for _, n := range append(due, digests...) {
		if skip[n.ID] {
			continue
		}
		if err := handle(ctx, n); err != nil {
			slog.Error("sweeper: failed to hand off notification",
				"notification_id", n.ID,
				"error", err,
			)
			stats.Errors++
			continue
		}
		stats.Dispatched++
	}
	return stats
}

func (s *Sweeper) enqueue(ctx context.Context, n *Notification) error {
	return s.enqueuer.EnqueueDispatch(ctx, n.ID, n.Version)
}
