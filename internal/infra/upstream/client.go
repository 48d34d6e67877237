// Package upstream reads user context and live content from the services
// that own them. Responses are cached in Redis for a few seconds.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxCacheTTL bounds how stale a cached answer may be.
const MaxCacheTTL = 10 * time.Second

var errNotFound = errors.New("upstream: not found")

// client is the shared HTTP + cache plumbing.
type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *redis.Client
	ttl        time.Duration
}

func newClient(baseURL, apiKey string, cache *redis.Client, ttl time.Duration) client {
	if ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache,
		ttl:        ttl,
	}
}

// getJSON fetches path into out, going through the cache when enabled.
// A 404 returns errNotFound and is not cached.
func (c *client) getJSON(ctx context.Context, cacheKey, path string, out any) error {
	if c.cache != nil && c.ttl > 0 {
		data, err := c.cache.Get(ctx, cacheKey).Bytes()
		switch {
		case err == nil:
			if err := json.Unmarshal(data, out); err == nil {
				return nil
			}
		case !errors.Is(err, redis.Nil):
			slog.Warn("upstream cache read failed", "key", cacheKey, "error", err)
		}
	}

	data, err := c.fetch(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing upstream response: %w", err)
	}

	if c.cache != nil && c.ttl > 0 {
		if err := c.cache.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
			slog.Warn("upstream cache write failed", "key", cacheKey, "error", err)
		}
	}
	return nil
}

func (c *client) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func escape(s string) string {
	return url.PathEscape(s)
}
