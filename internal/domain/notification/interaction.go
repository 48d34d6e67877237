package notification

import (
	"fmt"
	"slices"
	"time"

	"notiflow/internal/common"
)

// InteractionType enumerates user actions on a delivered notification.
type InteractionType string

const (
	InteractionOpened    InteractionType = "opened"
	InteractionClicked   InteractionType = "clicked"
	InteractionDismissed InteractionType = "dismissed"
	InteractionSnoozed   InteractionType = "snoozed"
)

// maxAppliedEvents bounds the dedupe list kept on each notification.
const maxAppliedEvents = 32

// InteractionRequest is the API request payload for recording a user action.
type InteractionRequest struct {
	Type          InteractionType `json:"type" binding:"required,oneof=opened clicked dismissed snoozed"`
	EventID       string          `json:"event_id"`
	Action        string          `json:"action"`
	SnoozeMinutes int             `json:"snooze_minutes"`
}

// ApplyInteraction applies a user action to n. It reports whether n
// changed; duplicates of an already-applied action are no-ops.
func ApplyInteraction(n *Notification, ev InteractionRequest, now time.Time) (bool, error) {
	if ev.EventID != "" && slices.Contains(n.Interaction.AppliedEvents, ev.EventID) {
		return false, nil
	}

	var (
		changed bool
		err     error
	)
	switch ev.Type {
	case InteractionOpened:
		changed, err = applyOpened(n, now)
	case InteractionClicked:
		changed, err = applyClicked(n, ev.Action, now)
	case InteractionDismissed:
		changed, err = applyDismissed(n, now)
	case InteractionSnoozed:
		changed, err = applySnoozed(n, ev.SnoozeMinutes, now)
	default:
		return false, common.NewValidationError(fmt.Sprintf("unsupported interaction: %s", ev.Type))
	}
	if err != nil || !changed {
		return false, err
	}

	if ev.EventID != "" {
		n.Interaction.AppliedEvents = append(n.Interaction.AppliedEvents, ev.EventID)
		if len(n.Interaction.AppliedEvents) > maxAppliedEvents {
			n.Interaction.AppliedEvents = n.Interaction.AppliedEvents[len(n.Interaction.AppliedEvents)-maxAppliedEvents:]
		}
	}
	n.UpdatedAt = now
	return true, nil
}

func applyOpened(n *Notification, now time.Time) (bool, error) {
	switch n.Status {
	case StatusRead, StatusActedUpon:
		return false, nil
	case StatusDismissed:
		// Opening after a dismissal only records the timestamp.
		if n.Interaction.Opened {
			return false, nil
		}
		stampOpened(n, now)
		return true, nil
	}
	if err := moveTo(n, StatusRead); err != nil {
		return false, err
	}
	stampOpened(n, now)
	return true, nil
}

func stampOpened(n *Notification, now time.Time) {
	if n.Interaction.Opened {
		return
	}
	at := now
	n.Interaction.Opened = true
	n.Interaction.OpenedAt = &at
}

func applyClicked(n *Notification, action string, now time.Time) (bool, error) {
	if n.Status == StatusActedUpon {
		return false, nil
	}
	if err := moveTo(n, StatusActedUpon); err != nil {
		return false, err
	}
	stampOpened(n, now)
	at := now
	n.Interaction.Clicked = true
	n.Interaction.ClickedAt = &at
	n.Interaction.ActionTaken = action
	return true, nil
}

func applyDismissed(n *Notification, now time.Time) (bool, error) {
	if n.Status == StatusDismissed {
		return false, nil
	}
	if err := moveTo(n, StatusDismissed); err != nil {
		return false, err
	}
	at := now
	n.Interaction.Dismissed = true
	n.Interaction.DismissedAt = &at
	return true, nil
}

// applySnoozed re-enters scheduled. Channels are re-armed so the next cycle
// delivers again; retry counters are left untouched.
func applySnoozed(n *Notification, minutes int, now time.Time) (bool, error) {
	if n.Status == StatusScheduled {
		return false, nil
	}
	if minutes <= 0 {
		return false, common.NewValidationError("snooze_minutes must be positive")
	}
	if err := moveTo(n, StatusScheduled); err != nil {
		return false, err
	}
	next := now.Add(time.Duration(minutes) * time.Minute)
	if next.After(n.ScheduledFor) {
		n.ScheduledFor = next
	}
	for i := range n.Channels {
		a := &n.Channels[i]
		a.Delivered = false
		a.Pending = false
		a.DeliveredAt = nil
		a.FailureReason = ""
	}
	at := now
	n.Interaction.Snoozed = true
	n.Interaction.SnoozedAt = &at
	n.Interaction.SnoozeCount++
	return true, nil
}
