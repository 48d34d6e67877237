package notification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBatchSize caps a digest when a group does not set its own size.
const DefaultMaxBatchSize = 10

// BatchResult reports what one group pass did.
type BatchResult struct {
	// Digest is the digest carrying the batched members, if any.
	Digest *Notification
	// Batched are the ids folded into Digest.
	Batched []string
	// Held are due members kept back to let the group fill up.
	Held []string
}

// Batcher collapses batchable notifications of one (user, group) pair into a
// single digest before dispatch.
type Batcher struct {
	store        Store
	leaseTTL     time.Duration
	expiryWindow time.Duration
}

// NewBatcher creates a batching engine.
func NewBatcher(store Store, leaseTTL, expiryWindow time.Duration) *Batcher {
	return &Batcher{store: store, leaseTTL: leaseTTL, expiryWindow: expiryWindow}
}

// eligibleForBatch filters out records that may not be folded into a digest.
// A record already mid-retry is excluded so a partially delivered
// notification is never duplicated through a fresh digest.
func eligibleForBatch(n *Notification) bool {
	return n.IsBatchable() &&
		n.Kind != KindDigest &&
		n.Retry.CurrentRetries == 0 &&
		n.FirstAttemptAt == nil &&
		!n.CancelRequested
}

// Collapse runs one batching pass for the group. Running it twice over an
// unchanged due set yields the same single digest.
func (b *Batcher) Collapse(ctx context.Context, userID, groupID string, now time.Time) (*BatchResult, error) {
	due, err := b.store.ListDueInGroup(ctx, userID, groupID, now, 0)
	if err != nil {
		return nil, fmt.Errorf("listing group %s: %w", groupID, err)
	}
	members := slices.DeleteFunc(due, func(n *Notification) bool { return !eligibleForBatch(n) })
	res := &BatchResult{}
	if len(members) == 0 {
		return res, nil
	}

	maxSize := members[0].Grouping.MaxBatchSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	delay := time.Duration(members[0].Grouping.BatchDelaySeconds) * time.Second
	if len(members) < maxSize && now.Sub(members[0].ScheduledFor) < delay {
		for _, m := range members {
			res.Held = append(res.Held, m.ID)
		}
		return res, nil
	}
	if len(members) < 2 {
		return res, nil
	}
	if len(members) > maxSize {
		members = members[:maxSize]
	}

	leased, err := b.claimAll(ctx, members, now)
	if err != nil {
		return nil, err
	}
	if leased == nil {
		slog.Debug("batch group busy, skipping", "user_id", userID, "group_id", groupID)
		return res, nil
	}

	key := digestKey(userID, groupID, leased)
	digest, err := b.store.GetByIdempotencyKey(ctx, key)
	if err != nil {
		b.releaseAll(ctx, leased)
		return nil, fmt.Errorf("checking digest %s: %w", key, err)
	}
	if digest == nil {
		digest = b.buildDigest(userID, groupID, key, leased, now)
		if err := b.store.Create(ctx, digest); err != nil {
			b.releaseAll(ctx, leased)
			return nil, fmt.Errorf("creating digest: %w", err)
		}
		slog.Info("digest created",
			"digest_id", digest.ID,
			"user_id", userID,
			"group_id", groupID,
			"members", len(leased),
		)
	}

	reason := fmt.Sprintf("batched into digest %s", digest.ID)
	for _, m := range leased {
		if err := b.cancelMember(ctx, m, reason, now); err != nil {
			slog.Error("failed to cancel batched member",
				"notification_id", m.ID,
				"digest_id", digest.ID,
				"error", err,
			)
			continue
		}
		res.Batched = append(res.Batched, m.ID)
	}
	res.Digest = digest
	return res, nil
}

// claimAll leases every member or none. It returns nil when any member is
// already claimed by another worker.
func (b *Batcher) claimAll(ctx context.Context, members []*Notification, now time.Time) ([]*Notification, error) {
	token := uuid.New().String()
	until := now.Add(b.leaseTTL)
	leased := make([]*Notification, 0, len(members))
	for _, m := range members {
		n, err := b.store.Acquire(ctx, m.ID, token, until, now)
		if err != nil {
			b.releaseAll(ctx, leased)
			if errors.Is(err, ErrLeaseHeld) || errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("leasing %s: %w", m.ID, err)
		}
		leased = append(leased, n)
	}
	return leased, nil
}

func (b *Batcher) releaseAll(ctx context.Context, leased []*Notification) {
	for _, n := range leased {
		if err := releaseLease(ctx, b.store, n); err != nil {
			slog.Warn("failed to release batch lease", "notification_id", n.ID, "error", err)
		}
	}
}

// cancelMember cancels a leased member. A concurrent cancel request only
// bumps the version, so one reload is enough.
func (b *Batcher) cancelMember(ctx context.Context, m *Notification, reason string, now time.Time) error {
	for i := 0; i < 2; i++ {
		next := m.Clone()
		if err := Cancel(next, reason, now); err != nil {
			return err
		}
		next.LeaseToken = ""
		next.LeaseExpiresAt = nil
		err := b.store.Update(ctx, next)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if m, err = b.store.GetByID(ctx, m.ID); err != nil {
			return err
		}
	}
	return ErrVersionConflict
}

func (b *Batcher) buildDigest(userID, groupID, key string, members []*Notification, now time.Time) *Notification {
	first := members[0]
	d := &Notification{
		ID:             uuid.New().String(),
		UserID:         userID,
		Kind:           KindDigest,
		Category:       CategoryInformation,
		Priority:       PriorityLow,
		ScheduledFor:   now,
		Retry:          RetryPolicy{MaxRetries: first.Retry.MaxRetries, RetryIntervalSeconds: first.Retry.RetryIntervalSeconds},
		TimeConditions: first.TimeConditions,
		Grouping:       &Grouping{GroupID: groupID},
		Status:         StatusScheduled,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if b.expiryWindow > 0 {
		exp := now.Add(b.expiryWindow)
		d.ExpiresAt = &exp
	}

	var channels []Channel
	titles := make([]string, 0, len(members))
	for _, m := range members {
		d.DigestOf = append(d.DigestOf, m.ID)
		titles = append(titles, "- "+m.Title)
		if priorityRank[m.Priority] > priorityRank[d.Priority] {
			d.Priority = m.Priority
		}
		d.UserConditions.RespectDoNotDisturb = d.UserConditions.RespectDoNotDisturb || m.UserConditions.RespectDoNotDisturb
		d.UserConditions.SkipIfInMeeting = d.UserConditions.SkipIfInMeeting || m.UserConditions.SkipIfInMeeting
		for _, c := range m.EnabledChannels() {
			if !slices.Contains(channels, c) {
				channels = append(channels, c)
			}
		}
	}
	d.Channels = armChannels(channels)
	d.Title = fmt.Sprintf("%d new notifications", len(members))
	d.Body = strings.Join(titles, "\n")
	return d
}

// digestKey derives a stable idempotency key from the member set.
func digestKey(userID, groupID string, members []*Notification) string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	slices.Sort(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("digest:%s:%s:%s", userID, groupID, hex.EncodeToString(sum[:12]))
}

// releaseLease clears the caller's claim on n.
func releaseLease(ctx context.Context, store Store, n *Notification) error {
	next := n.Clone()
	next.LeaseToken = ""
	next.LeaseExpiresAt = nil
	if err := store.Update(ctx, next); err != nil {
		return err
	}
	*n = *next
	return nil
}
