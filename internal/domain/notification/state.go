package notification

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusActedUpon Status = "acted_upon"
	StatusDismissed Status = "dismissed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// TerminalStatuses lists every end-of-life state. Records in these states
// are retained until the cleanup sweep purges them.
var TerminalStatuses = []Status{
	StatusDelivered,
	StatusRead,
	StatusActedUpon,
	StatusDismissed,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
}

// IsTerminal reports whether no automatic transition leaves this state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusActedUpon, StatusDismissed,
		StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsSentFamily reports whether SentAt must be set in this state.
func (s Status) IsSentFamily() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusActedUpon, StatusDismissed, StatusFailed:
		return true
	}
	return false
}

// transitions is the adjacency table of the lifecycle.
// [from] -> allowed targets
var transitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusScheduled: true,
		StatusSent:      true,
		StatusDelivered: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
	StatusSent: {
		StatusDelivered: true,
		StatusRead:      true,
		StatusActedUpon: true,
		StatusDismissed: true,
		StatusFailed:    true,
		StatusScheduled: true,
	},
	StatusDelivered: {
		StatusRead:      true,
		StatusActedUpon: true,
		StatusDismissed: true,
		StatusScheduled: true,
	},
	StatusRead: {
		StatusActedUpon: true,
		StatusDismissed: true,
		StatusScheduled: true,
	},
}

// CanTransition reports whether the lifecycle allows moving from -> to.
// Transitions back to scheduled from the sent family are snoozes.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("notification not found")

	// ErrVersionConflict is returned when a conditional update loses a race.
	ErrVersionConflict = errors.New("notification version conflict")

	// ErrLeaseHeld is returned when another worker owns the record's lease.
	ErrLeaseHeld = errors.New("notification lease held by another worker")

	// ErrInvalidTransition is returned for a move the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError describes a rejected lifecycle move.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move notification from %s to %s", e.From, e.To)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// moveTo changes n's status after checking the lifecycle table and keeps
// SentAt consistent with the new state.
func moveTo(n *Notification, to Status) error {
	if !CanTransition(n.Status, to) {
		return &TransitionError{From: n.Status, To: to}
	}
	sentAt := n.SentAt
	if !to.IsSentFamily() {
		sentAt = nil
	} else if sentAt == nil {
		if n.FirstAttemptAt == nil {
			return fmt.Errorf("moving to %s without a dispatch attempt: %w", to, ErrInvalidTransition)
		}
		sentAt = cloneTime(n.FirstAttemptAt)
	}
	n.Status = to
	n.SentAt = sentAt
	return nil
}
