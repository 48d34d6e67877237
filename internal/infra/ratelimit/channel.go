package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.ChannelRateLimiter = (*RedisChannelLimiter)(nil)

// RedisChannelLimiter enforces per-user, per-channel delivery limits using
// Redis sorted sets. It uses a sliding window: each delivery is a member
// scored by its timestamp. Channels without a configured limit are never
// throttled.
type RedisChannelLimiter struct {
	client *redis.Client
	limits map[notification.Channel]int
	window time.Duration
	now    func() time.Time
}

// NewRedisChannelLimiter creates a limiter allowing limits[c] deliveries
// per user through channel c within window.
func NewRedisChannelLimiter(client *redis.Client, limits map[notification.Channel]int, window time.Duration) *RedisChannelLimiter {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisChannelLimiter{
		client: client,
		limits: limits,
		window: window,
		now:    time.Now,
	}
}

// Allow checks whether another message may go to the user through channel,
// and records it when it may.
func (r *RedisChannelLimiter) Allow(ctx context.Context, userID string, channel notification.Channel) (bool, error) {
	limit, ok := r.limits[channel]
	if !ok || limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("notiflow:ratelimit:%s:%s", channel, userID)
	now := r.now()
	windowStart := now.Add(-r.window)

	pipe := r.client.Pipeline()

	// Remove expired entries (outside the sliding window)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart.UnixNano()))

	// Count remaining entries in the window
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("checking channel rate limit: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		return false, nil
	}

	// Unique member so concurrent deliveries never collapse into one entry
	randBytes := make([]byte, 4)
	_, _ = rand.Read(randBytes)
	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), hex.EncodeToString(randBytes)),
	}
	record := r.client.Pipeline()
	record.ZAdd(ctx, key, member)
	record.Expire(ctx, key, r.window+time.Minute)

	if _, err := record.Exec(ctx); err != nil {
		return false, fmt.Errorf("recording rate limit entry: %w", err)
	}
	return true, nil
}
