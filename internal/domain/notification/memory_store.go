package notification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of the Store interface.
// Suitable for development and testing.
type MemoryStore struct {
	records map[string]*Notification
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Notification),
	}
}

func (s *MemoryStore) Create(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		return errors.New("notification ID is required")
	}
	if _, exists := s.records[n.ID]; exists {
		return errors.New("notification already exists")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	n.Version = 1
	// Store a copy to prevent external mutation of stored data
	s.records[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.records {
		if n.IdempotencyKey != "" && n.IdempotencyKey == key {
			return n.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) Update(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[n.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != n.Version {
		return ErrVersionConflict
	}
	n.Version++
	s.records[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) Acquire(ctx context.Context, id, token string, until, now time.Time) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != StatusScheduled || cur.IsLeased(now) {
		return nil, ErrLeaseHeld
	}
	cur.LeaseToken = token
	cur.LeaseExpiresAt = &until
	cur.Version++
	return cur.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Notification, int, error) {
	filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Notification
	for _, n := range s.records {
		if filter.UserID != "" && n.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && string(n.Status) != filter.Status {
			continue
		}
		if filter.Kind != "" && string(n.Kind) != filter.Kind {
			continue
		}
		if filter.GroupID != "" && (n.Grouping == nil || n.Grouping.GroupID != filter.GroupID) {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := (filter.Page - 1) * filter.PageSize
	if offset > total {
		offset = total
	}
	end := min(offset+filter.PageSize, total)

	out := make([]*Notification, 0, end-offset)
	for _, n := range matched[offset:end] {
		out = append(out, n.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	return s.due(now, limit, func(n *Notification) bool { return true }), nil
}

func (s *MemoryStore) ListDueInGroup(ctx context.Context, userID, groupID string, now time.Time, limit int) ([]*Notification, error) {
	return s.due(now, limit, func(n *Notification) bool {
		return n.UserID == userID && n.IsBatchable() && n.Grouping.GroupID == groupID
	}), nil
}

func (s *MemoryStore) due(now time.Time, limit int, keep func(*Notification) bool) []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Notification
	for _, n := range s.records {
		if !n.IsDue(now) || n.IsLeased(now) || !keep(n) {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) FindByProviderID(ctx context.Context, channel Channel, providerID string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.records {
		for _, a := range n.Channels {
			if a.Channel == channel && a.ProviderID == providerID {
				return n.Clone(), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, n := range s.records {
		if limit > 0 && deleted >= limit {
			break
		}
		if n.Status.IsTerminal() && n.UpdatedAt.Before(before) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}
