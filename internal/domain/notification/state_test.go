package notification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusSent, true},
		{StatusScheduled, StatusDelivered, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusExpired, true},
		{StatusScheduled, StatusRead, false},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusScheduled, true},
		{StatusSent, StatusCancelled, false},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusActedUpon, true},
		{StatusRead, StatusDelivered, false},
		{StatusActedUpon, StatusScheduled, false},
		{StatusDismissed, StatusScheduled, false},
		{StatusFailed, StatusScheduled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusExpired, StatusScheduled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range TerminalStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusScheduled.IsTerminal())
	assert.False(t, StatusSent.IsTerminal())
}

func TestMoveToKeepsSentAtConsistent(t *testing.T) {
	n := New("n1", &CreateRequest{UserID: "u", Title: "t"}, Defaults{}, t0)

	err := moveTo(n, StatusSent)
	require.Error(t, err, "sent without a dispatch attempt")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusScheduled, n.Status, "a rejected move leaves the record untouched")
	assert.Nil(t, n.SentAt)

	BeginAttempt(n, t0)
	require.NoError(t, moveTo(n, StatusSent))
	require.NotNil(t, n.SentAt)
	assert.Equal(t, t0, *n.SentAt)

	require.NoError(t, moveTo(n, StatusScheduled))
	assert.Nil(t, n.SentAt)
}

func TestMoveToRejectsForbiddenMove(t *testing.T) {
	n := New("n1", &CreateRequest{UserID: "u", Title: "t"}, Defaults{}, t0)
	n.Status = StatusCancelled

	err := moveTo(n, StatusScheduled)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusCancelled, te.From)
	assert.Equal(t, StatusScheduled, te.To)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCancelled, n.Status)
}
