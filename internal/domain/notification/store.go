package notification

import (
	"context"
	"time"
)

// Store defines the contract for persisting notification records.
// Implementations live in infra/store/ (gorm/Postgres, Supabase) plus the
// in-memory MemoryStore in this package.
//
// Every update is conditional on Notification.Version: a mismatch returns
// ErrVersionConflict, a successful write bumps Version on the passed record.
type Store interface {
	// Create inserts a new record in scheduled state.
	Create(ctx context.Context, n *Notification) error

	// GetByID retrieves a record. Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*Notification, error)

	// GetByIdempotencyKey retrieves a record by its idempotency key.
	// Returns nil, nil if no record is found.
	GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error)

	// Update writes n if its Version still matches the stored one.
	Update(ctx context.Context, n *Notification) error

	// Acquire claims the lease on a scheduled record if it is free or expired
	// at now. Returns ErrLeaseHeld when another worker owns it.
	Acquire(ctx context.Context, id, token string, until, now time.Time) (*Notification, error)

	// List retrieves records with pagination and filtering.
	List(ctx context.Context, filter ListFilter) ([]*Notification, int, error)

	// ListDue retrieves scheduled, unleased records with ScheduledFor <= now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	// ListDueInGroup is ListDue scoped to one (user, group) pair, batchable
	// records only.
	ListDueInGroup(ctx context.Context, userID, groupID string, now time.Time, limit int) ([]*Notification, error)

	// FindByProviderID finds the record whose channel attempt carries the
	// given transport message id.
	FindByProviderID(ctx context.Context, channel Channel, providerID string) (*Notification, error)

	// DeleteTerminalBefore purges up to limit terminal records last updated
	// before the cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int, error)
}
