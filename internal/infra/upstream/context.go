package upstream

import (
	"context"
	"errors"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.ContextProvider = (*ContextClient)(nil)

// ContextClient reads user snapshots from GET {base}/users/{id}/context.
type ContextClient struct {
	client
}

// NewContextClient creates a context provider. cache may be nil.
func NewContextClient(baseURL, apiKey string, cache *redis.Client, ttl time.Duration) *ContextClient {
	return &ContextClient{client: newClient(baseURL, apiKey, cache, ttl)}
}

// Snapshot returns the user's current state. An unknown user yields an
// empty snapshot so that only the conditions that need data fail.
func (c *ContextClient) Snapshot(ctx context.Context, userID string) (*notification.UserSnapshot, error) {
	var snap notification.UserSnapshot
	err := c.getJSON(ctx, "notiflow:upstream:user:"+userID, "/users/"+escape(userID)+"/context", &snap)
	if errors.Is(err, errNotFound) {
		return &notification.UserSnapshot{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.UserID == "" {
		snap.UserID = userID
	}
	return &snap, nil
}
