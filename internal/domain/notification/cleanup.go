package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanerConfig holds the retention settings.
type CleanerConfig struct {
	// Retention is how long terminal notifications are kept after their
	// last update.
	Retention time.Duration

	// BatchSize bounds each delete statement.
	BatchSize int
}

// Cleaner purges terminal notifications older than the retention period.
type Cleaner struct {
	store  Store
	config CleanerConfig
}

// NewCleaner creates a retention cleaner.
func NewCleaner(store Store, cfg CleanerConfig) *Cleaner {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Cleaner{store: store, config: cfg}
}

// Purge deletes, in batches, every terminal record last updated before
// now minus the retention period. Non-terminal records are never touched.
func (c *Cleaner) Purge(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-c.config.Retention)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.store.DeleteTerminalBefore(ctx, cutoff, c.config.BatchSize)
		if err != nil {
			return total, fmt.Errorf("purging notifications before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		total += n
		if n < c.config.BatchSize {
			break
		}
	}
	if total > 0 {
		slog.Info("cleanup complete", "deleted", total, "cutoff", cutoff)
	}
	return total, nil
}
