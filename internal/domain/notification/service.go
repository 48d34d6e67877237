package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notiflow/internal/common"

	"github.com/google/uuid"
)

// Service orchestrates notification business logic for the API.
// Create: validate → check idempotency → persist → enqueue when already due.
// Every later mutation goes through the same conditional-update loop the
// engine uses, so API writes and workers never overwrite each other.
type Service struct {
	store    Store
	enqueuer Enqueuer
	sweeper  *Sweeper
	cleaner  *Cleaner
	defaults Defaults
	now      func() time.Time
}

// NewService creates a new notification service. enqueuer may be nil, in
// which case new records wait for the next sweep.
func NewService(store Store, enqueuer Enqueuer, sweeper *Sweeper, cleaner *Cleaner, defaults Defaults) *Service {
	return &Service{
		store:    store,
		enqueuer: enqueuer,
		sweeper:  sweeper,
		cleaner:  cleaner,
		defaults: defaults,
		now:      time.Now,
	}
}

// CreateResult is returned by Create.
type CreateResult struct {
	Notification *Notification `json:"notification"`
	// Duplicate is set when the idempotency key matched an existing record.
	Duplicate bool `json:"duplicate"`
}

// Create validates and schedules a notification.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if req.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("checking idempotency key: %w", err)
		}
		if existing != nil {
			slog.Info("idempotent request, returning existing notification",
				"idempotency_key", req.IdempotencyKey,
				"existing_id", existing.ID,
				"existing_status", existing.Status,
			)
			return &CreateResult{Notification: existing, Duplicate: true}, nil
		}
	}

	now := s.now().UTC()
	n := New(uuid.New().String(), req, s.defaults, now)
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if n.Recurrence != nil {
		if _, err := step(n.ScheduledFor, n.Recurrence); err != nil {
			return nil, common.NewValidationError(err.Error())
		}
	}

	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}

	if s.enqueuer != nil && n.IsDue(now) && !n.IsBatchable() {
		if err := s.enqueuer.EnqueueDispatch(ctx, n.ID, n.Version); err != nil {
			// The sweeper picks the record up on its next cycle.
			slog.Warn("immediate enqueue failed", "notification_id", n.ID, "error", err)
		}
	}

	slog.Info("notification scheduled",
		"notification_id", n.ID,
		"user_id", n.UserID,
		"kind", n.Kind,
		"priority", n.Priority,
		"scheduled_for", n.ScheduledFor,
	)
	return &CreateResult{Notification: n}, nil
}

// Get retrieves a notification by ID.
func (s *Service) Get(ctx context.Context, id string) (*Notification, error) {
	n, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapError(err, id)
	}
	return n, nil
}

// List retrieves notifications with pagination and filtering.
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	filter.Normalize()
	items, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return &ListResponse{
		Notifications: items,
		Total:         total,
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}, nil
}

// Cancel cancels a scheduled notification. A record currently held by a
// worker is only flagged; the worker honours the flag when it commits.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Notification, error) {
	return s.mutate(ctx, id, func(n *Notification, now time.Time) (bool, error) {
		if n.Status == StatusCancelled {
			return false, nil
		}
		if n.Status != StatusScheduled {
			return false, common.NewConflictError(fmt.Sprintf("notification %s is %s and can no longer be cancelled", id, n.Status))
		}
		if n.IsLeased(now) {
			if n.CancelRequested {
				return false, nil
			}
			n.CancelRequested = true
			n.UpdatedAt = now
			return true, nil
		}
		return true, Cancel(n, reason, now)
	})
}

// RecordInteraction applies a user action and, when the action ends a
// recurring occurrence, schedules the next one.
func (s *Service) RecordInteraction(ctx context.Context, id string, ev InteractionRequest) (*Notification, error) {
	n, err := s.mutate(ctx, id, func(n *Notification, now time.Time) (bool, error) {
		return ApplyInteraction(n, ev, now)
	})
	if err != nil {
		return nil, err
	}
	s.generateNext(ctx, n)
	return n, nil
}

// EmailEventType is a delivery or engagement event reported by the email provider.
type EmailEventType string

const (
	EmailDelivered  EmailEventType = "email.delivered"
	EmailBounced    EmailEventType = "email.bounced"
	EmailComplained EmailEventType = "email.complained"
	EmailOpened     EmailEventType = "email.opened"
	EmailClicked    EmailEventType = "email.clicked"
)

// EmailEvent is a provider webhook event reduced to what the engine needs.
type EmailEvent struct {
	Type       EmailEventType
	ProviderID string
	Link       string
	Reason     string
}

// HandleEmailEvent applies a receipt or engagement event to the
// notification whose email carried providerID. Unknown ids are ignored.
func (s *Service) HandleEmailEvent(ctx context.Context, ev EmailEvent) error {
	if ev.ProviderID == "" {
		return common.NewValidationError("provider id is required")
	}
	target, err := s.store.FindByProviderID(ctx, ChannelEmail, ev.ProviderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Info("email event for unknown message, ignoring",
				"type", ev.Type,
				"provider_id", ev.ProviderID,
			)
			return nil
		}
		return fmt.Errorf("finding notification for %s: %w", ev.ProviderID, err)
	}

	eventID := fmt.Sprintf("email:%s:%s", ev.Type, ev.ProviderID)
	n, err := s.mutate(ctx, target.ID, func(n *Notification, now time.Time) (bool, error) {
		switch ev.Type {
		case EmailDelivered:
			if a := n.attempt(ChannelEmail); a != nil && a.Delivered {
				return false, nil
			}
			return true, ConfirmDelivery(n, ChannelEmail, now)
		case EmailBounced, EmailComplained:
			if n.Status == StatusFailed {
				return false, nil
			}
			reason := ev.Reason
			if reason == "" {
				reason = string(ev.Type)
			}
			return true, RejectDelivery(n, ChannelEmail, reason, now)
		case EmailOpened:
			return ApplyInteraction(n, InteractionRequest{Type: InteractionOpened, EventID: eventID}, now)
		case EmailClicked:
			return ApplyInteraction(n, InteractionRequest{Type: InteractionClicked, EventID: eventID, Action: ev.Link}, now)
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Engagement after the user already moved on elsewhere.
			slog.Info("email event not applicable", "type", ev.Type, "notification_id", target.ID, "error", err)
			return nil
		}
		return err
	}

	slog.Info("email event applied",
		"type", ev.Type,
		"notification_id", n.ID,
		"status", n.Status,
	)
	s.generateNext(ctx, n)
	return nil
}

// ProcessDue forces one in-process sweep of the due queue.
func (s *Service) ProcessDue(ctx context.Context) (SweepStats, error) {
	if s.sweeper == nil {
		return SweepStats{}, errors.New("due processing is not configured")
	}
	return s.sweeper.ProcessDue(ctx), nil
}

// Cleanup purges terminal notifications past the retention period.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	if s.cleaner == nil {
		return 0, errors.New("cleanup is not configured")
	}
	return s.cleaner.Purge(ctx, s.now())
}

// mutate loads id, applies fn to a copy and writes it back, reloading on
// version conflicts. fn reports whether it changed the record.
func (s *Service) mutate(ctx context.Context, id string, fn func(n *Notification, now time.Time) (bool, error)) (*Notification, error) {
	for i := 0; i < 3; i++ {
		cur, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, s.mapError(err, id)
		}
		next := cur.Clone()
		changed, err := fn(next, s.now().UTC())
		if err != nil {
			return nil, s.mapError(err, id)
		}
		if !changed {
			return cur, nil
		}
		err = s.store.Update(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, fmt.Errorf("updating notification %s: %w", id, err)
		}
	}
	return nil, common.NewConflictError(fmt.Sprintf("notification %s is being modified concurrently, try again", id))
}

func (s *Service) generateNext(ctx context.Context, n *Notification) {
	if err := GenerateNext(ctx, s.store, n, s.defaults.ExpiryWindow, s.now().UTC()); err != nil {
		slog.Error("recurrence generation failed", "notification_id", n.ID, "error", err)
	}
}

// mapError converts domain sentinels into API errors.
func (s *Service) mapError(err error, id string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NewNotFoundError("notification", id)
	case errors.Is(err, ErrInvalidTransition):
		return fmt.Errorf("%w: %w", common.NewConflictError(fmt.Sprintf("notification %s: %s", id, err)), err)
	}
	return err
}
