package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return NewGormStore(db)
}

func newRecord(id string, at time.Time, mutate ...func(*notification.CreateRequest)) *notification.Notification {
	req := &notification.CreateRequest{
		UserID:   "user-1",
		Title:    "Finish report",
		Channels: []notification.Channel{notification.ChannelInApp, notification.ChannelEmail},
	}
	for _, m := range mutate {
		m(req)
	}
	req.ScheduledFor = &at
	return notification.New(id, req, notification.Defaults{MaxRetries: 3, RetryIntervalSeconds: 60}, at)
}

func TestGormStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	end := t0.AddDate(0, 1, 0)
	n := newRecord("n-1", t0, func(r *notification.CreateRequest) {
		r.Source = &notification.SourceRef{Type: "tasks", ID: "42"}
		r.Recurrence = &notification.Recurrence{Pattern: notification.RecurWeekly, EndDate: &end}
		r.Grouping = &notification.Grouping{GroupID: "daily-digest", Batchable: true, MaxBatchSize: 5}
		r.TimeConditions = &notification.TimeConditions{Timezone: "Europe/Paris", AllowedHours: &notification.HourWindow{Start: 9, End: 18}}
		r.IdempotencyKey = "task-42"
	})

	require.NoError(t, s.Create(ctx, n))
	assert.Equal(t, int64(1), n.Version)

	got, err := s.GetByID(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, n.Title, got.Title)
	assert.True(t, t0.Equal(got.ScheduledFor))
	assert.Equal(t, n.Channels, got.Channels)
	assert.Equal(t, n.Source, got.Source)
	assert.Equal(t, notification.RecurWeekly, got.Recurrence.Pattern)
	assert.True(t, end.Equal(*got.Recurrence.EndDate))
	assert.Equal(t, n.Grouping, got.Grouping)
	assert.Equal(t, "Europe/Paris", got.TimeConditions.Timezone)
	assert.Equal(t, int64(1), got.Version)

	byKey, err := s.GetByIdempotencyKey(ctx, "task-42")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "n-1", byKey.ID)

	none, err := s.GetByIdempotencyKey(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestGormStoreUpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := newRecord("n-1", t0)
	require.NoError(t, s.Create(ctx, n))

	stale := n.Clone()
	n.Title = "first writer"
	require.NoError(t, s.Update(ctx, n))
	assert.Equal(t, int64(2), n.Version)

	stale.Title = "second writer"
	assert.ErrorIs(t, s.Update(ctx, stale), notification.ErrVersionConflict)

	ghost := newRecord("ghost", t0)
	assert.ErrorIs(t, s.Update(ctx, ghost), notification.ErrNotFound)

	got, err := s.GetByID(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Title)
}

func TestGormStoreAcquire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, newRecord("n-1", t0)))

	leased, err := s.Acquire(ctx, "n-1", "a", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, "a", leased.LeaseToken)
	assert.Equal(t, int64(2), leased.Version)

	_, err = s.Acquire(ctx, "n-1", "b", t0.Add(time.Minute), t0.Add(10*time.Second))
	assert.ErrorIs(t, err, notification.ErrLeaseHeld)

	taken, err := s.Acquire(ctx, "n-1", "b", t0.Add(5*time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "b", taken.LeaseToken)

	_, err = s.Acquire(ctx, "missing", "a", t0, t0)
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestGormStoreListDue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, newRecord("late", t0.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, newRecord("now", t0)))
	require.NoError(t, s.Create(ctx, newRecord("future", t0.Add(time.Hour))))
	require.NoError(t, s.Create(ctx, newRecord("leased", t0.Add(-time.Minute))))
	_, err := s.Acquire(ctx, "leased", "w", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	done := newRecord("done", t0.Add(-time.Hour))
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, notification.Cancel(done, "", t0))
	require.NoError(t, s.Update(ctx, done))

	due, err := s.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, n := range due {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"late", "now"}, ids)

	limited, err := s.ListDue(ctx, t0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGormStoreListDueInGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	grouped := func(user string) func(*notification.CreateRequest) {
		return func(r *notification.CreateRequest) {
			r.UserID = user
			r.Grouping = &notification.Grouping{GroupID: "daily-digest", Batchable: true}
		}
	}
	require.NoError(t, s.Create(ctx, newRecord("a", t0, grouped("user-1"))))
	require.NoError(t, s.Create(ctx, newRecord("b", t0, grouped("user-1"))))
	require.NoError(t, s.Create(ctx, newRecord("c", t0, grouped("user-2"))))
	require.NoError(t, s.Create(ctx, newRecord("d", t0)))

	due, err := s.ListDueInGroup(ctx, "user-1", "daily-digest", t0, 0)

	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestGormStoreList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newRecord(fmt.Sprintf("ada-%d", i), t0)))
	}
	require.NoError(t, s.Create(ctx, newRecord("grace", t0, func(r *notification.CreateRequest) { r.UserID = "user-2" })))

	items, total, err := s.List(ctx, notification.ListFilter{UserID: "user-1", Page: 2, PageSize: 2})

	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 1)
}

func TestGormStoreFindByProviderID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	n := newRecord("n-1", t0)
	require.NoError(t, s.Create(ctx, n))

	n.Channels[1].ProviderID = "email-abc"
	n.Channels[1].Pending = true
	require.NoError(t, s.Update(ctx, n))
	// A second write of the same receipt is a no-op.
	require.NoError(t, s.Update(ctx, n))

	got, err := s.FindByProviderID(ctx, notification.ChannelEmail, "email-abc")
	require.NoError(t, err)
	assert.Equal(t, "n-1", got.ID)
	assert.True(t, got.Channels[1].Pending)

	_, err = s.FindByProviderID(ctx, notification.ChannelSMS, "email-abc")
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestGormStoreDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	old := t0.AddDate(0, 0, -40)
	for i := 0; i < 3; i++ {
		n := newRecord(fmt.Sprintf("old-%d", i), old)
		n.Channels[0].ProviderID = fmt.Sprintf("inapp-%d", i)
		require.NoError(t, s.Create(ctx, n))
		require.NoError(t, notification.Cancel(n, "", old))
		require.NoError(t, s.Update(ctx, n))
	}
	require.NoError(t, s.Create(ctx, newRecord("pending", old)))

	deleted, err := s.DeleteTerminalBefore(ctx, t0.AddDate(0, 0, -30), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	deleted, err = s.DeleteTerminalBefore(ctx, t0.AddDate(0, 0, -30), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = s.GetByID(ctx, "pending")
	assert.NoError(t, err)
	_, err = s.FindByProviderID(ctx, notification.ChannelInApp, "inapp-0")
	assert.ErrorIs(t, err, notification.ErrNotFound)
}

func TestBatcherOverGormStore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m-%d", i)
		ids = append(ids, id)
		require.NoError(t, s.Create(ctx, newRecord(id, t0.Add(time.Duration(i)*time.Second), func(r *notification.CreateRequest) {
			r.Grouping = &notification.Grouping{GroupID: "daily-digest", Batchable: true, MaxBatchSize: 5}
		})))
	}
	batcher := notification.NewBatcher(s, time.Minute, 0)

	res, err := batcher.Collapse(ctx, "user-1", "daily-digest", t0.Add(time.Minute))

	require.NoError(t, err)
	require.NotNil(t, res.Digest)
	assert.ElementsMatch(t, ids, res.Batched)
	for _, id := range ids {
		n, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, notification.StatusCancelled, n.Status)
	}

	again, err := batcher.Collapse(ctx, "user-1", "daily-digest", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again.Digest)

	digests, total, err := s.List(ctx, notification.ListFilter{Kind: string(notification.KindDigest)})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.ElementsMatch(t, ids, digests[0].DigestOf)
}
