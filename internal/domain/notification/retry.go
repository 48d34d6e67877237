package notification

import (
	"fmt"
	"strings"
	"time"
)

// ResolveCycle computes the aggregate transition after every channel of a
// dispatch cycle has completed:
//
//   - all enabled channels delivered -> delivered
//   - none failed, some pending      -> sent
//   - some failed, retries left      -> stays scheduled, retried after the interval
//   - some failed, budget exhausted  -> failed
//
// Retry delays are linear: every retry waits RetryIntervalSeconds.
func ResolveCycle(n *Notification, now time.Time) error {
	var failed []ChannelAttempt
	pending := false
	for _, a := range n.Channels {
		if !a.Enabled || a.Delivered {
			continue
		}
		if a.Pending {
			pending = true
			continue
		}
		failed = append(failed, a)
	}
	n.UpdatedAt = now

	switch {
	case len(failed) == 0 && !pending:
		n.FailureReason = ""
		return moveTo(n, StatusDelivered)
	case len(failed) == 0:
		return moveTo(n, StatusSent)
	case n.Retry.CurrentRetries < n.Retry.MaxRetries:
		n.Retry.CurrentRetries++
		for _, a := range failed {
			n.Errors = append(n.Errors, ErrorEntry{
				Timestamp:  now,
				Error:      a.FailureReason,
				Channel:    a.Channel,
				RetryCount: n.Retry.CurrentRetries,
			})
		}
		next := now.Add(time.Duration(n.Retry.RetryIntervalSeconds) * time.Second)
		return Reschedule(n, next, now)
	default:
		parts := make([]string, 0, len(failed))
		for _, a := range failed {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Channel, a.FailureReason))
		}
		if err := moveTo(n, StatusFailed); err != nil {
			return err
		}
		n.FailureReason = fmt.Sprintf("retry budget exhausted after %d retries (%s)",
			n.Retry.CurrentRetries, strings.Join(parts, "; "))
		return nil
	}
}
