package notification

import "context"

// ChannelRateLimiter defines the contract for per-user channel throttling.
// Implementations live in infra/ratelimit/.
type ChannelRateLimiter interface {
	// Allow checks whether another message may go to the user through channel.
	// Returns true if the message is allowed, false if rate limited.
	Allow(ctx context.Context, userID string, channel Channel) (bool, error)
}
