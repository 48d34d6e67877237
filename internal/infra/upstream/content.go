package upstream

import (
	"context"
	"errors"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.ContentProvider = (*ContentClient)(nil)

// ContentClient reads live source content from GET {base}/{type}/{id}.
type ContentClient struct {
	client
}

// NewContentClient creates a content provider. cache may be nil.
func NewContentClient(baseURL, apiKey string, cache *redis.Client, ttl time.Duration) *ContentClient {
	return &ContentClient{client: newClient(baseURL, apiKey, cache, ttl)}
}

// Content returns nil, nil when the source no longer exists.
func (c *ContentClient) Content(ctx context.Context, ref notification.SourceRef) (*notification.Content, error) {
	if ref.Type == "" || ref.ID == "" {
		return nil, nil
	}
	var content notification.Content
	key := "notiflow:upstream:content:" + ref.Type + ":" + ref.ID
	err := c.getJSON(ctx, key, "/"+escape(ref.Type)+"/"+escape(ref.ID), &content)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &content, nil
}
