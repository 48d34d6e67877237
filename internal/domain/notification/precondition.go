package notification

import (
	"fmt"
	"slices"
	"time"
)

// DefaultRescheduleDelay is used when a rejected notification has no hour window.
const DefaultRescheduleDelay = time.Hour

// Decision is the outcome of a precondition evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	// Next is the new ScheduledFor when the notification was rejected.
	Next time.Time
}

// Evaluator decides whether a due notification may be sent now.
type Evaluator struct {
	DefaultDelay time.Duration
}

// NewEvaluator creates a precondition evaluator.
func NewEvaluator(defaultDelay time.Duration) *Evaluator {
	if defaultDelay <= 0 {
		defaultDelay = DefaultRescheduleDelay
	}
	return &Evaluator{DefaultDelay: defaultDelay}
}

// Evaluate applies the time and user conditions of n against the snapshot.
// A nil snapshot means the user context could not be fetched and only
// conditions that need it are rejected.
func (e *Evaluator) Evaluate(n *Notification, snap *UserSnapshot, now time.Time) Decision {
	loc, err := e.location(n, snap)
	if err != nil {
		return e.reject(n, now, err.Error(), nil)
	}
	local := now.In(loc)
	tc := n.TimeConditions

	if tc != nil && tc.AllowedHours != nil && !tc.AllowedHours.Contains(local.Hour()) {
		return e.reject(n, now, fmt.Sprintf("outside allowed hours %02d:00-%02d:00", tc.AllowedHours.Start, tc.AllowedHours.End), loc)
	}
	if tc != nil && len(tc.AllowedDays) > 0 && !slices.Contains(tc.AllowedDays, local.Weekday()) {
		return e.reject(n, now, fmt.Sprintf("%s is not an allowed day", local.Weekday()), loc)
	}

	uc := n.UserConditions
	if uc.RespectDoNotDisturb || uc.SkipIfInMeeting {
		if snap == nil {
			return e.reject(n, now, "user context unavailable", nil)
		}
		if uc.RespectDoNotDisturb && snap.DND.Active(now.In(userLocation(snap, loc))) {
			return e.reject(n, now, "do not disturb is active", nil)
		}
		if uc.SkipIfInMeeting && snap.InMeeting {
			return e.reject(n, now, "user is in a meeting", nil)
		}
	}

	return Decision{Allowed: true}
}

func (e *Evaluator) location(n *Notification, snap *UserSnapshot) (*time.Location, error) {
	name := ""
	if n.TimeConditions != nil {
		name = n.TimeConditions.Timezone
	}
	if name == "" && snap != nil {
		name = snap.Timezone
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

// userLocation is the user's own timezone, which the do-not-disturb window
// is expressed in. It falls back to loc when the snapshot has none.
func userLocation(snap *UserSnapshot, loc *time.Location) *time.Location {
	if snap.Timezone == "" {
		return loc
	}
	userLoc, err := time.LoadLocation(snap.Timezone)
	if err != nil {
		return loc
	}
	return userLoc
}

// reject builds a rejection. With a known location and an hour window the
// notification moves to the next window start, otherwise by the default delay.
func (e *Evaluator) reject(n *Notification, now time.Time, reason string, loc *time.Location) Decision {
	next := now.Add(e.DefaultDelay)
	if loc != nil {
		if t, ok := nextWindowStart(n, now, loc); ok {
			next = t
		}
	}
	if next.Before(n.ScheduledFor) {
		next = n.ScheduledFor
	}
	return Decision{Allowed: false, Reason: reason, Next: next}
}

// nextWindowStart finds the first window start strictly after now that
// falls on an allowed weekday in loc.
func nextWindowStart(n *Notification, now time.Time, loc *time.Location) (time.Time, bool) {
	tc := n.TimeConditions
	if tc == nil || tc.AllowedHours == nil {
		return time.Time{}, false
	}
	local := now.In(loc)
	for day := 0; day <= 7; day++ {
		d := local.AddDate(0, 0, day)
		start := time.Date(d.Year(), d.Month(), d.Day(), tc.AllowedHours.Start, 0, 0, 0, loc)
		if !start.After(local) {
			continue
		}
		if len(tc.AllowedDays) > 0 && !slices.Contains(tc.AllowedDays, start.Weekday()) {
			continue
		}
		return start.UTC(), true
	}
	return time.Time{}, false
}
