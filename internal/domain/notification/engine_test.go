package notification

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineRetriesFailingChannelUntilBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	email := &fakeTransport{channel: ChannelEmail, err: errors.New("smtp unavailable")}
	engine := newTestEngine(store, clk, nil, inApp, email)

	n := scheduled(store, CreateRequest{
		Channels: []Channel{ChannelInApp, ChannelEmail},
		Retry:    &RetryPolicy{MaxRetries: 3, RetryIntervalSeconds: 60},
	}, t0)

	var results []Result
	for i := 0; i < 4; i++ {
		res, err := engine.Process(ctx, n.ID)
		require.NoError(t, err)
		results = append(results, res)
		clk.Advance(61 * time.Second)
	}

	assert.Equal(t, []Result{ResultRetrying, ResultRetrying, ResultRetrying, ResultFailed}, results)

	got, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Retry.CurrentRetries)
	require.Len(t, got.Errors, 3)
	for _, e := range got.Errors {
		assert.Equal(t, ChannelEmail, e.Channel)
	}
	assert.Equal(t, 1, inApp.Calls(), "a delivered channel is never re-sent")
	assert.Equal(t, 4, email.Calls())
	assert.Empty(t, got.LeaseToken)

	res, err := engine.Process(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestEngineDelivers(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	engine := newTestEngine(store, clk, nil, inApp)
	n := scheduled(store, CreateRequest{}, t0)

	res, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	assert.Equal(t, ResultDelivered, res)
	got, _ := store.GetByID(ctx, n.ID)
	assert.Equal(t, StatusDelivered, got.Status)
	assert.Equal(t, t0, *got.SentAt)
	assert.Equal(t, "in_app-1", got.Channels[0].ProviderID)
}

func TestEnginePendingReceiptLeavesSent(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	email := &fakeTransport{channel: ChannelEmail, pending: true}
	users := staticUsers{"user-1": {UserID: "user-1", Contact: Contact{Email: "ada@example.com"}}}
	engine := newTestEngine(store, clk, users, email)
	n := scheduled(store, CreateRequest{Channels: []Channel{ChannelEmail}}, t0)

	res, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
	require.Len(t, email.calls, 1)
	assert.Equal(t, "ada@example.com", email.calls[0].Contact.Email)
}

func TestEngineReschedulesOutsideAllowedHours(t *testing.T) {
	ctx := context.Background()
	night := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	clk := newClock(night)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	engine := newTestEngine(store, clk, nil, inApp)
	n := scheduled(store, CreateRequest{
		TimeConditions: &TimeConditions{AllowedHours: &HourWindow{Start: 9, End: 18}},
	}, night)

	res, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	assert.Equal(t, ResultRescheduled, res)
	got, _ := store.GetByID(ctx, n.ID)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), got.ScheduledFor)
	assert.Nil(t, got.FirstAttemptAt)
	assert.Zero(t, inApp.Calls())
}

func TestEngineHonoursCancelRequest(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	engine := newTestEngine(store, clk, nil, inApp)
	n := scheduled(store, CreateRequest{}, t0)
	n.CancelRequested = true
	require.NoError(t, store.Update(ctx, n))

	res, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res)
	got, _ := store.GetByID(ctx, n.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Zero(t, inApp.Calls())
}

func TestEngineExpiresStaleRecords(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0.Add(48 * time.Hour))
	store := NewMemoryStore()
	exp := t0.Add(24 * time.Hour)
	engine := newTestEngine(store, clk, nil, &fakeTransport{channel: ChannelInApp})
	n := scheduled(store, CreateRequest{ExpiresAt: &exp}, t0)

	res, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	assert.Equal(t, ResultExpired, res)
	got, _ := store.GetByID(ctx, n.ID)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestEngineSkipsContendedAndNotDue(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	engine := newTestEngine(store, clk, nil, inApp)

	held := scheduled(store, CreateRequest{}, t0)
	_, err := store.Acquire(ctx, held.ID, "other-worker", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	res, err := engine.Process(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultContended, res)

	future := scheduled(store, CreateRequest{}, t0.Add(time.Hour))
	res, err = engine.Process(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)

	res, err = engine.Process(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)

	assert.Zero(t, inApp.Calls())
}

func TestEngineRefreshesContent(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	inApp := &fakeTransport{channel: ChannelInApp}
	engine := newTestEngine(store, clk, nil, inApp)
	engine.content = staticContent{"task/42": {Title: "Renamed task"}}
	n := scheduled(store, CreateRequest{Title: "Old title", Body: "kept", Source: &SourceRef{Type: "task", ID: "42"}}, t0)

	_, err := engine.Process(ctx, n.ID)

	require.NoError(t, err)
	require.Len(t, inApp.calls, 1)
	assert.Equal(t, "Renamed task", inApp.calls[0].Title)
	assert.Equal(t, "kept", inApp.calls[0].Body)
}

func TestEngineGeneratesNextOccurrenceOnDelivery(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	engine := newTestEngine(store, clk, nil, &fakeTransport{channel: ChannelInApp})
	n := scheduled(store, CreateRequest{Recurrence: &Recurrence{Pattern: RecurDaily}}, t0)

	_, err := engine.Process(ctx, n.ID)
	require.NoError(t, err)

	due, err := store.ListDue(ctx, t0.AddDate(0, 0, 1), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.NotEqual(t, n.ID, due[0].ID)
	assert.Equal(t, 2, due[0].Recurrence.CurrentOccurrence)
}

// A cancel request recorded while the worker holds the lease wins over the
// dispatch outcome.
func TestEngineCommitLetsCancelWin(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	engine := newTestEngine(store, clk, nil)
	n := scheduled(store, CreateRequest{}, t0)

	leased, err := store.Acquire(ctx, n.ID, "tok", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	// Producer flags the record mid-flight.
	flagged := leased.Clone()
	flagged.CancelRequested = true
	require.NoError(t, store.Update(ctx, flagged))

	next := leased.Clone()
	BeginAttempt(next, t0)
	require.NoError(t, moveTo(next, StatusDelivered))

	res, err := engine.commit(ctx, leased, next, ResultDelivered, t0)

	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res)
	got, _ := store.GetByID(ctx, n.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.LeaseToken)
}

func TestEngineCommitDropsOutcomeAfterLeaseTakeover(t *testing.T) {
	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	engine := newTestEngine(store, clk, nil)
	n := scheduled(store, CreateRequest{}, t0)

	leased, err := store.Acquire(ctx, n.ID, "tok", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	// The lease runs out and a second worker claims the record.
	_, err = store.Acquire(ctx, n.ID, "other-worker", t0.Add(3*time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)

	next := leased.Clone()
	require.NoError(t, Reschedule(next, t0.Add(time.Hour), t0))

	res, err := engine.commit(ctx, leased, next, ResultRescheduled, t0)

	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
	got, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "other-worker", got.LeaseToken)
	assert.Equal(t, t0, got.ScheduledFor)
}

func TestProcessLogsDurationOnEngineClock(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := context.Background()
	clk := newClock(t0)
	store := NewMemoryStore()
	engine := newTestEngine(store, clk, nil, &fakeTransport{channel: ChannelInApp})
	n := scheduled(store, CreateRequest{}, t0)

	_, err := engine.Process(ctx, n.ID)
	require.NoError(t, err)

	var found bool
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line struct {
			Msg      string `json:"msg"`
			Duration int64  `json:"duration"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line.Msg == "notification processed" {
			found = true
			assert.Zero(t, line.Duration, "the clock did not move during processing")
		}
	}
	assert.True(t, found)
}
