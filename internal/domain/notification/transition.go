package notification

import (
	"fmt"
	"time"
)

// The functions in this file are the only place lifecycle fields change.
// They operate on a caller-owned copy (see Notification.Clone) and never
// touch storage; the engine persists the result with a version check.

// Reschedule keeps n in scheduled and advances ScheduledFor. The new time
// is clamped so ScheduledFor never moves backwards.
func Reschedule(n *Notification, next, now time.Time) error {
	if err := moveTo(n, StatusScheduled); err != nil {
		return err
	}
	if next.After(n.ScheduledFor) {
		n.ScheduledFor = next
	}
	n.UpdatedAt = now
	return nil
}

// Cancel moves a scheduled notification to cancelled.
func Cancel(n *Notification, reason string, now time.Time) error {
	if n.Status == StatusCancelled {
		return nil
	}
	if err := moveTo(n, StatusCancelled); err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by producer"
	}
	n.FailureReason = reason
	n.CancelRequested = false
	n.UpdatedAt = now
	return nil
}

// Expired reports whether n passed its hard expiry without ever passing
// its preconditions.
func Expired(n *Notification, now time.Time) bool {
	return n.Status == StatusScheduled &&
		n.FirstAttemptAt == nil &&
		n.ExpiresAt != nil &&
		now.After(*n.ExpiresAt)
}

// Expire moves a scheduled notification that never passed its
// preconditions to expired.
func Expire(n *Notification, now time.Time) error {
	if err := moveTo(n, StatusExpired); err != nil {
		return err
	}
	n.FailureReason = fmt.Sprintf("expired at %s without passing preconditions", n.ExpiresAt.UTC().Format(time.RFC3339))
	n.UpdatedAt = now
	return nil
}

// BeginAttempt records the first dispatch attempt time.
func BeginAttempt(n *Notification, now time.Time) {
	if n.FirstAttemptAt == nil {
		at := now
		n.FirstAttemptAt = &at
	}
}

// ApplyResults folds one dispatch cycle's per-channel results into n.
func ApplyResults(n *Notification, results []ChannelResult) {
	for _, r := range results {
		a := n.attempt(r.Channel)
		if a == nil {
			continue
		}
		a.Attempts++
		if r.Err != nil {
			a.Pending = false
			a.FailureReason = r.Err.Error()
			continue
		}
		a.FailureReason = ""
		a.ProviderID = r.Receipt.ProviderID
		if r.Receipt.Pending {
			a.Pending = true
			continue
		}
		at := r.At
		a.Delivered = true
		a.Pending = false
		a.DeliveredAt = &at
	}
}

// PendingChannels returns the enabled attempts that still need a transport call.
func PendingChannels(n *Notification) []ChannelAttempt {
	out := make([]ChannelAttempt, 0, len(n.Channels))
	for _, a := range n.Channels {
		if a.Enabled && !a.Delivered && !a.Pending {
			out = append(out, a)
		}
	}
	return out
}

// ConfirmDelivery applies a delivery receipt for channel. A sent
// notification with no channel left unconfirmed becomes delivered.
func ConfirmDelivery(n *Notification, channel Channel, now time.Time) error {
	a := n.attempt(channel)
	if a == nil {
		return fmt.Errorf("channel %s is not configured: %w", channel, ErrInvalidTransition)
	}
	if a.Delivered {
		return nil
	}
	at := now
	a.Delivered = true
	a.Pending = false
	a.DeliveredAt = &at
	a.FailureReason = ""
	n.UpdatedAt = now

	if n.Status != StatusSent {
		return nil
	}
	for _, c := range n.Channels {
		if c.Enabled && !c.Delivered {
			return nil
		}
	}
	return moveTo(n, StatusDelivered)
}

// RejectDelivery applies a permanent failure receipt (e.g. a bounce) for
// channel. Bounces are not retried: a sent notification becomes failed.
func RejectDelivery(n *Notification, channel Channel, reason string, now time.Time) error {
	a := n.attempt(channel)
	if a == nil {
		return fmt.Errorf("channel %s is not configured: %w", channel, ErrInvalidTransition)
	}
	a.Delivered = false
	a.Pending = false
	a.DeliveredAt = nil
	a.FailureReason = reason
	n.Errors = append(n.Errors, ErrorEntry{
		Timestamp:  now,
		Error:      reason,
		Channel:    channel,
		RetryCount: n.Retry.CurrentRetries,
	})
	n.UpdatedAt = now

	if n.Status != StatusSent {
		return nil
	}
	if err := moveTo(n, StatusFailed); err != nil {
		return err
	}
	n.FailureReason = fmt.Sprintf("%s: %s", channel, reason)
	return nil
}
