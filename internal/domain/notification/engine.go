package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EngineConfig holds the tunables of the processing engine.
type EngineConfig struct {
	// LeaseTTL is how long a worker owns a record. It is fixed and generous:
	// the channel timeout plus a safety margin.
	LeaseTTL time.Duration

	// ExpiryWindow is added to ScheduledFor to compute the hard expiry of
	// generated occurrences.
	ExpiryWindow time.Duration
}

// Result is what one Process call did to a notification.
type Result string

const (
	ResultSkipped     Result = "skipped"
	ResultContended   Result = "contended"
	ResultRescheduled Result = "rescheduled"
	ResultDelivered   Result = "delivered"
	ResultSent        Result = "sent"
	ResultRetrying    Result = "retrying"
	ResultFailed      Result = "failed"
	ResultCancelled   Result = "cancelled"
	ResultExpired     Result = "expired"
)

// Engine runs one notification through preconditions, dispatch and retry.
// It picks up a record, claims its lease, evaluates it against the user's
// current state, delivers it and commits the resulting transition.
type Engine struct {
	store      Store
	evaluator  *Evaluator
	dispatcher *Dispatcher
	users      ContextProvider
	content    ContentProvider
	config     EngineConfig
	now        func() time.Time
}

// NewEngine creates a processing engine. users and content may be nil.
func NewEngine(store Store, evaluator *Evaluator, dispatcher *Dispatcher, users ContextProvider, content ContentProvider, cfg EngineConfig) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = dispatcher.Timeout() + 30*time.Second
	}
	return &Engine{
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		users:      users,
		content:    content,
		config:     cfg,
		now:        time.Now,
	}
}

// Process handles one due notification. Lease contention is not an error:
// the losing worker reports ResultContended and moves on.
func (e *Engine) Process(ctx context.Context, id string) (Result, error) {
	start := e.now()

	current, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResultSkipped, nil
		}
		return "", fmt.Errorf("fetching notification %s: %w", id, err)
	}
	if !current.IsDue(start) {
		return ResultSkipped, nil
	}

	token := uuid.New().String()
	leased, err := e.store.Acquire(ctx, id, token, start.Add(e.config.LeaseTTL), start)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrNotFound) {
			slog.Debug("notification lease contended", "notification_id", id)
			return ResultContended, nil
		}
		return "", fmt.Errorf("leasing notification %s: %w", id, err)
	}

	result, err := e.run(ctx, leased, start)
	if err != nil {
		if rerr := releaseLease(context.WithoutCancel(ctx), e.store, leased); rerr != nil && !errors.Is(rerr, ErrVersionConflict) {
			slog.Error("failed to release lease", "notification_id", id, "error", rerr)
		}
		return "", err
	}

	slog.Info("notification processed",
		"notification_id", id,
		"user_id", leased.UserID,
		"result", result,
		"duration", e.now().Sub(start),
	)
	return result, nil
}

// run evaluates and delivers a leased record and commits the outcome.
func (e *Engine) run(ctx context.Context, n *Notification, now time.Time) (Result, error) {
	next := n.Clone()

	switch {
	case next.CancelRequested:
		if err := Cancel(next, "", now); err != nil {
			return "", err
		}
		return e.commit(ctx, n, next, ResultCancelled, now)
	case Expired(next, now):
		if err := Expire(next, now); err != nil {
			return "", err
		}
		return e.commit(ctx, n, next, ResultExpired, now)
	}

	snap := e.snapshot(ctx, next.UserID)
	decision := e.evaluator.Evaluate(next, snap, now)
	if !decision.Allowed {
		if err := Reschedule(next, decision.Next, now); err != nil {
			return "", err
		}
		slog.Debug("notification preconditions rejected",
			"notification_id", next.ID,
			"reason", decision.Reason,
			"next", decision.Next,
		)
		return e.commit(ctx, n, next, ResultRescheduled, now)
	}

	e.refreshContent(ctx, next)
	BeginAttempt(next, now)

	var contact Contact
	if snap != nil {
		contact = snap.Contact
	}
	results := e.dispatcher.Dispatch(ctx, next, PendingChannels(next), contact)
	finished := e.now()
	ApplyResults(next, results)
	if err := ResolveCycle(next, finished); err != nil {
		return "", fmt.Errorf("resolving dispatch of %s: %w", next.ID, err)
	}

	result := ResultDelivered
	switch next.Status {
	case StatusSent:
		result = ResultSent
	case StatusScheduled:
		result = ResultRetrying
	case StatusFailed:
		result = ResultFailed
		slog.Warn("notification failed",
			"notification_id", next.ID,
			"user_id", next.UserID,
			"reason", next.FailureReason,
		)
	}
	return e.commit(ctx, n, next, result, finished)
}

// commit persists next over prev, releasing the lease. On a version
// conflict the record is reloaded. If the lease has passed to another worker
// the outcome is dropped. Otherwise a cancellation requested meanwhile wins
// over the computed result, and any other concurrent change gets the outcome
// re-applied.
func (e *Engine) commit(ctx context.Context, prev, next *Notification, result Result, now time.Time) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		next.LeaseToken = ""
		next.LeaseExpiresAt = nil

		err := e.store.Update(ctx, next)
		if err == nil {
			e.afterTerminal(ctx, next, now)
			return result, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return "", fmt.Errorf("committing notification %s: %w", next.ID, err)
		}

		fresh, err := e.store.GetByID(ctx, next.ID)
		if err != nil {
			return "", fmt.Errorf("reloading notification %s: %w", next.ID, err)
		}
		if fresh.LeaseToken != prev.LeaseToken {
			// Our lease expired and another worker claimed or finished the record.
			slog.Warn("notification lease lost during dispatch, dropping outcome",
				"notification_id", next.ID,
				"status", fresh.Status,
			)
			return ResultSkipped, nil
		}
		if fresh.CancelRequested && fresh.Status == StatusScheduled {
			cancelled := next.Clone()
			cancelled.Status = StatusScheduled
			cancelled.SentAt = nil
			cancelled.Version = fresh.Version
			if err := Cancel(cancelled, "", now); err != nil {
				return "", err
			}
			next, result = cancelled, ResultCancelled
			continue
		}
		if fresh.Status != prev.Status {
			// Someone else moved the record on; our outcome no longer applies.
			slog.Warn("notification changed during dispatch, dropping outcome",
				"notification_id", next.ID,
				"status", fresh.Status,
			)
			return ResultSkipped, nil
		}
		next.Version = fresh.Version
	}
	return "", fmt.Errorf("committing notification %s: %w", next.ID, ErrVersionConflict)
}

// afterTerminal generates the next occurrence of a recurring notification.
// Recurrence problems are logged and never fail the current record.
func (e *Engine) afterTerminal(ctx context.Context, n *Notification, now time.Time) {
	if err := GenerateNext(ctx, e.store, n, e.config.ExpiryWindow, now); err != nil {
		slog.Error("recurrence generation failed",
			"notification_id", n.ID,
			"error", err,
		)
	}
}

// GenerateNext creates the next occurrence of n when it is due for one and
// marks n so it is created only once.
func GenerateNext(ctx context.Context, store Store, n *Notification, expiryWindow time.Duration, now time.Time) error {
	if !ShouldRecur(n) {
		return nil
	}
	marked := n.Clone()
	occ, err := NextOccurrence(marked, uuid.New().String(), expiryWindow, now)
	if errors.Is(err, ErrMalformedRecurrence) {
		slog.Warn("recurrence stopped: malformed pattern",
			"notification_id", n.ID,
			"error", err,
		)
	} else if err != nil {
		return err
	}
	// Mark first: a lost race here means another writer already generated it.
	if err := store.Update(ctx, marked); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil
		}
		return fmt.Errorf("marking recurrence on %s: %w", n.ID, err)
	}
	*n = *marked
	if occ == nil {
		slog.Info("recurrence series ended", "notification_id", n.ID)
		return nil
	}
	if err := store.Create(ctx, occ); err != nil {
		return fmt.Errorf("creating next occurrence of %s: %w", n.ID, err)
	}
	slog.Info("next occurrence scheduled",
		"notification_id", occ.ID,
		"previous_id", n.ID,
		"occurrence", occ.Recurrence.CurrentOccurrence,
		"scheduled_for", occ.ScheduledFor,
	)
	return nil
}

func (e *Engine) snapshot(ctx context.Context, userID string) *UserSnapshot {
	if e.users == nil {
		return nil
	}
	snap, err := e.users.Snapshot(ctx, userID)
	if err != nil {
		slog.Warn("user context unavailable", "user_id", userID, "error", err)
		return nil
	}
	return snap
}

// refreshContent replaces the stored title/body with the source's live content.
func (e *Engine) refreshContent(ctx context.Context, n *Notification) {
	if e.content == nil || n.Source == nil || n.Kind == KindDigest {
		return
	}
	c, err := e.content.Content(ctx, *n.Source)
	if err != nil {
		slog.Warn("content refresh failed, using stored copy",
			"notification_id", n.ID,
			"source_type", n.Source.Type,
			"source_id", n.Source.ID,
			"error", err,
		)
		return
	}
	if c == nil {
		return
	}
	if c.Title != "" {
		n.Title = c.Title
	}
	if c.Body != "" {
		n.Body = c.Body
	}
}
