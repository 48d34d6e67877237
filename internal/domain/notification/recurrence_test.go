package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recurring(r Recurrence, status Status) *Notification {
	n := delivered(t0)
	r.Interval = max(r.Interval, 1)
	r.CurrentOccurrence = max(r.CurrentOccurrence, 1)
	n.Recurrence = &r
	n.Status = status
	return n
}

func TestWeeklyOccurrenceAfterDismissal(t *testing.T) {
	n := recurring(Recurrence{Pattern: RecurWeekly}, StatusDismissed)
	n.Interaction.Dismissed = true
	now := t0.Add(time.Hour)

	require.True(t, ShouldRecur(n))
	occ, err := NextOccurrence(n, "n2", 24*time.Hour, now)

	require.NoError(t, err)
	require.NotNil(t, occ)
	assert.Equal(t, "n2", occ.ID)
	assert.Equal(t, t0.AddDate(0, 0, 7), occ.ScheduledFor)
	assert.Equal(t, 2, occ.Recurrence.CurrentOccurrence)
	assert.Equal(t, StatusScheduled, occ.Status)
	assert.Nil(t, occ.SentAt)
	assert.Nil(t, occ.FirstAttemptAt)
	assert.False(t, occ.Interaction.Dismissed)
	assert.Len(t, PendingChannels(occ), 1)
	assert.Equal(t, occ.ScheduledFor.Add(24*time.Hour), *occ.ExpiresAt)

	assert.True(t, n.Recurrence.NextGenerated)
	assert.False(t, ShouldRecur(n), "generated only once")
}

func TestRecurrenceStopsAtLimits(t *testing.T) {
	end := t0.AddDate(0, 0, 3)
	tests := []struct {
		name string
		r    Recurrence
	}{
		{"max occurrences", Recurrence{Pattern: RecurDaily, MaxOccurrences: 2, CurrentOccurrence: 2}},
		{"end date", Recurrence{Pattern: RecurWeekly, EndDate: &end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := recurring(tt.r, StatusRead)

			occ, err := NextOccurrence(n, "n2", 0, t0)

			require.NoError(t, err)
			assert.Nil(t, occ)
			assert.True(t, n.Recurrence.NextGenerated)
		})
	}
}

func TestNoRecurrenceFromFailedOrCancelled(t *testing.T) {
	for _, s := range []Status{StatusFailed, StatusCancelled, StatusScheduled, StatusSent} {
		assert.False(t, ShouldRecur(recurring(Recurrence{Pattern: RecurDaily}, s)), s)
	}
	for _, s := range []Status{StatusDelivered, StatusRead, StatusActedUpon, StatusDismissed, StatusExpired} {
		assert.True(t, ShouldRecur(recurring(Recurrence{Pattern: RecurDaily}, s)), s)
	}
}

func TestStep(t *testing.T) {
	from := time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		r    Recurrence
		want time.Time
	}{
		{Recurrence{Pattern: RecurDaily, Interval: 2}, time.Date(2025, 2, 2, 9, 0, 0, 0, time.UTC)},
		{Recurrence{Pattern: RecurWeekly, Interval: 1}, time.Date(2025, 2, 7, 9, 0, 0, 0, time.UTC)},
		{Recurrence{Pattern: RecurMonthly, Interval: 1}, time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)},
		{Recurrence{Pattern: RecurYearly, Interval: 1}, time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)},
		{Recurrence{Pattern: RecurCustom, Interval: 3, CustomStepSeconds: 600}, from.Add(30 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(string(tt.r.Pattern), func(t *testing.T) {
			got, err := step(from, &tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := step(from, &Recurrence{Pattern: RecurCustom, Interval: 1})
	assert.ErrorIs(t, err, ErrMalformedRecurrence)
	_, err = step(from, &Recurrence{Pattern: "hourly", Interval: 1})
	assert.ErrorIs(t, err, ErrMalformedRecurrence)
}

func TestGenerateNextPersistsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := recurring(Recurrence{Pattern: RecurDaily}, StatusDismissed)
	require.NoError(t, store.Create(ctx, n))

	require.NoError(t, GenerateNext(ctx, store, n, 0, t0))
	require.NoError(t, GenerateNext(ctx, store, n, 0, t0))

	items, total, err := store.List(ctx, ListFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	var next *Notification
	for _, it := range items {
		if it.ID != n.ID {
			next = it
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, t0.AddDate(0, 0, 1), next.ScheduledFor)
	assert.Equal(t, 2, next.Recurrence.CurrentOccurrence)

	stored, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, stored.Recurrence.NextGenerated)
}

func TestGenerateNextMalformedPatternStopsSeries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	n := recurring(Recurrence{Pattern: "fortnightly"}, StatusRead)
	require.NoError(t, store.Create(ctx, n))

	require.NoError(t, GenerateNext(ctx, store, n, 0, t0))

	_, total, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.True(t, n.Recurrence.NextGenerated)
}
