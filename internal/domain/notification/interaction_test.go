package notification

import (
	"testing"
	"time"

	"notiflow/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnoozeDeliveredNotification(t *testing.T) {
	n := delivered(t0)
	n.Retry.CurrentRetries = 1
	now := t0.Add(time.Hour)

	changed, err := ApplyInteraction(n, InteractionRequest{Type: InteractionSnoozed, SnoozeMinutes: 15}, now)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusScheduled, n.Status)
	assert.Equal(t, now.Add(15*time.Minute), n.ScheduledFor)
	assert.Equal(t, 1, n.Interaction.SnoozeCount)
	assert.True(t, n.Interaction.Snoozed)
	assert.Equal(t, RetryPolicy{MaxRetries: 3, RetryIntervalSeconds: 60, CurrentRetries: 1}, n.Retry)
	assert.Nil(t, n.SentAt)
	assert.Len(t, PendingChannels(n), 1, "channels are re-armed")
}

func TestSnoozeRequiresPositiveMinutes(t *testing.T) {
	n := delivered(t0)

	_, err := ApplyInteraction(n, InteractionRequest{Type: InteractionSnoozed}, t0)

	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, StatusDelivered, n.Status)
}

func TestOpenedThenClicked(t *testing.T) {
	n := delivered(t0)

	changed, err := ApplyInteraction(n, InteractionRequest{Type: InteractionOpened}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRead, n.Status)
	assert.True(t, n.Interaction.Opened)

	changed, err = ApplyInteraction(n, InteractionRequest{Type: InteractionOpened}, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "opening twice changes nothing")

	changed, err = ApplyInteraction(n, InteractionRequest{Type: InteractionClicked, Action: "complete"}, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusActedUpon, n.Status)
	assert.Equal(t, "complete", n.Interaction.ActionTaken)
	assert.Equal(t, t0.Add(time.Minute), *n.Interaction.OpenedAt)
}

func TestClickWithoutOpenStampsBoth(t *testing.T) {
	n := delivered(t0)

	_, err := ApplyInteraction(n, InteractionRequest{Type: InteractionClicked}, t0)

	require.NoError(t, err)
	assert.True(t, n.Interaction.Opened)
	assert.True(t, n.Interaction.Clicked)
}

func TestDismissAndOpenAfterDismiss(t *testing.T) {
	n := delivered(t0)

	_, err := ApplyInteraction(n, InteractionRequest{Type: InteractionDismissed}, t0)
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, n.Status)

	changed, err := ApplyInteraction(n, InteractionRequest{Type: InteractionOpened}, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDismissed, n.Status)
	assert.True(t, n.Interaction.Opened)
}

func TestInteractionOnScheduledIsRejected(t *testing.T) {
	n := New("n1", &CreateRequest{UserID: "u1", Title: "t"}, Defaults{}, t0)

	_, err := ApplyInteraction(n, InteractionRequest{Type: InteractionOpened}, t0)

	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusScheduled, n.Status)
}

func TestInteractionEventIDDeduplicates(t *testing.T) {
	n := delivered(t0)
	ev := InteractionRequest{Type: InteractionSnoozed, SnoozeMinutes: 5, EventID: "evt-1"}

	changed, err := ApplyInteraction(n, ev, t0)
	require.NoError(t, err)
	require.True(t, changed)

	// Move back into a snoozable state and replay the same event.
	first := t0
	n.FirstAttemptAt = &first
	require.NoError(t, moveTo(n, StatusSent))

	changed, err = ApplyInteraction(n, ev, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, n.Interaction.SnoozeCount)
}

func TestUnsupportedInteraction(t *testing.T) {
	_, err := ApplyInteraction(delivered(t0), InteractionRequest{Type: "liked"}, t0)

	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)
}
