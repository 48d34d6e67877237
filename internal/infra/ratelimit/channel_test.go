package ratelimit

import (
	"context"
	"testing"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, limits map[notification.Channel]int) (*RedisChannelLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewRedisChannelLimiter(rdb, limits, time.Hour)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowEnforcesSlidingWindow(t *testing.T) {
	ctx := context.Background()
	l, now := newLimiter(t, map[notification.Channel]int{notification.ChannelSMS: 2})

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "user-1", notification.ChannelSMS)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "user-1", notification.ChannelSMS)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "user-2", notification.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, ok, "limits are per user")

	*now = now.Add(61 * time.Minute)
	ok, err = l.Allow(ctx, "user-1", notification.ChannelSMS)
	require.NoError(t, err)
	assert.True(t, ok, "old entries leave the window")
}

func TestAllowUnlimitedChannel(t *testing.T) {
	l, _ := newLimiter(t, map[notification.Channel]int{notification.ChannelPush: 0})

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(context.Background(), "user-1", notification.ChannelPush)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(context.Background(), "user-1", notification.ChannelInApp)
	require.NoError(t, err)
	assert.True(t, ok)
}
