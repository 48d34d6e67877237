package notification

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRecurrence marks a recurrence pattern that cannot produce a step.
var ErrMalformedRecurrence = errors.New("malformed recurrence pattern")

// regeneratesFrom lists the terminal states that produce a next occurrence.
// Cancelled and failed do not: a cancelled series was stopped on purpose
// and a failing one would otherwise regenerate forever.
var regeneratesFrom = map[Status]bool{
	StatusDelivered: true,
	StatusRead:      true,
	StatusActedUpon: true,
	StatusDismissed: true,
	StatusExpired:   true,
}

// ShouldRecur reports whether n is due to produce its next occurrence.
func ShouldRecur(n *Notification) bool {
	return n.Recurrence != nil && !n.Recurrence.NextGenerated && regeneratesFrom[n.Status]
}

// NextOccurrence derives the next occurrence of a recurring notification.
// It returns nil, nil when the series has ended. On success the prior
// record is marked so the occurrence is generated only once.
func NextOccurrence(n *Notification, id string, expiryWindow time.Duration, now time.Time) (*Notification, error) {
	r := n.Recurrence
	if r == nil {
		return nil, nil
	}
	r.NextGenerated = true
	n.UpdatedAt = now

	if r.MaxOccurrences > 0 && r.CurrentOccurrence >= r.MaxOccurrences {
		return nil, nil
	}
	next, err := step(n.ScheduledFor, r)
	if err != nil {
		return nil, err
	}
	if r.EndDate != nil && next.After(*r.EndDate) {
		return nil, nil
	}

	occ := n.Clone()
	occ.ID = id
	occ.ScheduledFor = next
	occ.Status = StatusScheduled
	occ.SentAt = nil
	occ.FirstAttemptAt = nil
	occ.Channels = armChannels(n.EnabledChannels())
	occ.Retry.CurrentRetries = 0
	occ.Interaction = Interaction{}
	occ.Errors = nil
	occ.FailureReason = ""
	occ.CancelRequested = false
	occ.IdempotencyKey = ""
	occ.LeaseToken = ""
	occ.LeaseExpiresAt = nil
	occ.Version = 0
	occ.CreatedAt = now
	occ.UpdatedAt = now
	occ.Recurrence.CurrentOccurrence = r.CurrentOccurrence + 1
	occ.Recurrence.NextGenerated = false
	occ.ExpiresAt = nil
	if expiryWindow > 0 {
		exp := next.Add(expiryWindow)
		occ.ExpiresAt = &exp
	}
	return occ, nil
}

func step(from time.Time, r *Recurrence) (time.Time, error) {
	i := r.Interval
	if i <= 0 {
		return time.Time{}, fmt.Errorf("interval %d: %w", r.Interval, ErrMalformedRecurrence)
	}
	switch r.Pattern {
	case RecurDaily:
		return from.AddDate(0, 0, i), nil
	case RecurWeekly:
		return from.AddDate(0, 0, 7*i), nil
	case RecurMonthly:
		return from.AddDate(0, i, 0), nil
	case RecurYearly:
		return from.AddDate(i, 0, 0), nil
	case RecurCustom:
		if r.CustomStepSeconds <= 0 {
			return time.Time{}, fmt.Errorf("custom step %ds: %w", r.CustomStepSeconds, ErrMalformedRecurrence)
		}
		return from.Add(time.Duration(i) * time.Duration(r.CustomStepSeconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("pattern %q: %w", r.Pattern, ErrMalformedRecurrence)
	}
}
