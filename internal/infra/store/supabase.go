package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const (
	tableName    = "notifications"
	receiptTable = "notification_receipts"
)

var _ notification.Store = (*SupabaseStore)(nil)

// SupabaseStore implements notification.Store using the Supabase Go SDK.
// It expects the schema from the embedded migrations. PostgREST cannot
// express "set version = version + 1", so conditional writes compare the
// version the caller read and write the next one explicitly.
type SupabaseStore struct {
	client *supa.Client
}

// NewSupabaseStore creates a new Supabase-backed notification store.
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// supabaseRow is the internal representation for Supabase PostgREST insert/update.
type supabaseRow struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Kind            string     `json:"kind"`
	Category        string     `json:"category"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	ActionURL       string     `json:"action_url"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	SentAt          *time.Time `json:"sent_at"`
	FirstAttemptAt  *time.Time `json:"first_attempt_at"`
	ExpiresAt       *time.Time `json:"expires_at"`
	GroupID         string     `json:"group_id"`
	Batchable       bool       `json:"batchable"`
	IdempotencyKey  *string    `json:"idempotency_key"`
	CancelRequested bool       `json:"cancel_requested"`
	FailureReason   string     `json:"failure_reason"`
	LeaseToken      string     `json:"lease_token"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at"`
	Version         int64      `json:"version"`
	Payload         document   `json:"payload"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toSupabaseRow(n *notification.Notification) *supabaseRow {
	groupID, batchable := groupOf(n)
	return &supabaseRow{
		ID:              n.ID,
		UserID:          n.UserID,
		Kind:            string(n.Kind),
		Category:        string(n.Category),
		Priority:        string(n.Priority),
		Status:          string(n.Status),
		Title:           n.Title,
		Body:            n.Body,
		ActionURL:       n.ActionURL,
		ScheduledFor:    n.ScheduledFor.UTC(),
		SentAt:          utc(n.SentAt),
		FirstAttemptAt:  utc(n.FirstAttemptAt),
		ExpiresAt:       utc(n.ExpiresAt),
		GroupID:         groupID,
		Batchable:       batchable,
		IdempotencyKey:  strPtr(n.IdempotencyKey),
		CancelRequested: n.CancelRequested,
		FailureReason:   n.FailureReason,
		LeaseToken:      n.LeaseToken,
		LeaseExpiresAt:  utc(n.LeaseExpiresAt),
		Version:         n.Version,
		Payload:         toDocument(n),
		CreatedAt:       n.CreatedAt.UTC(),
		UpdatedAt:       n.UpdatedAt.UTC(),
	}
}

// rowToNotification converts a supabaseRow to a Notification.
func rowToNotification(row *supabaseRow) *notification.Notification {
	n := &notification.Notification{
		ID:              row.ID,
		UserID:          row.UserID,
		Kind:            notification.Kind(row.Kind),
		Category:        notification.Category(row.Category),
		Priority:        notification.Priority(row.Priority),
		Status:          notification.Status(row.Status),
		Title:           row.Title,
		Body:            row.Body,
		ActionURL:       row.ActionURL,
		ScheduledFor:    row.ScheduledFor.UTC(),
		SentAt:          utc(row.SentAt),
		FirstAttemptAt:  utc(row.FirstAttemptAt),
		ExpiresAt:       utc(row.ExpiresAt),
		IdempotencyKey:  derefStr(row.IdempotencyKey),
		CancelRequested: row.CancelRequested,
		FailureReason:   row.FailureReason,
		LeaseToken:      row.LeaseToken,
		LeaseExpiresAt:  utc(row.LeaseExpiresAt),
		Version:         row.Version,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	row.Payload.apply(n)
	return n
}

// Create inserts a new notification record.
func (s *SupabaseStore) Create(ctx context.Context, n *notification.Notification) error {
	if n.ID == "" {
		return errors.New("notification ID is required")
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	n.Version = 1

	_, _, err := s.client.From(tableName).Insert(toSupabaseRow(n), false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return s.saveReceipts(n)
}

// GetByID retrieves a notification by its ID.
func (s *SupabaseStore) GetByID(ctx context.Context, id string) (*notification.Notification, error) {
	rows, err := s.fetch(s.client.From(tableName).Select("*", "", false).Eq("id", id))
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	if len(rows) == 0 {
		return nil, notification.ErrNotFound
	}
	return rows[0], nil
}

// GetByIdempotencyKey retrieves a notification by its idempotency key.
// Returns nil, nil if no record is found.
func (s *SupabaseStore) GetByIdempotencyKey(ctx context.Context, key string) (*notification.Notification, error) {
	rows, err := s.fetch(s.client.From(tableName).Select("*", "", false).Eq("idempotency_key", key).Limit(1, ""))
	if err != nil {
		return nil, fmt.Errorf("fetching by idempotency key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update writes n if the stored version still matches.
func (s *SupabaseStore) Update(ctx context.Context, n *notification.Notification) error {
	expected := n.Version
	row := toSupabaseRow(n)
	row.Version = expected + 1

	rows, err := s.fetch(s.client.From(tableName).
		Update(row, "representation", "").
		Eq("id", n.ID).
		Eq("version", strconv.FormatInt(expected, 10)))
	if err != nil {
		return fmt.Errorf("updating notification: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.GetByID(ctx, n.ID); err != nil {
			return err
		}
		return notification.ErrVersionConflict
	}
	n.Version = expected + 1
	return s.saveReceipts(n)
}

// Acquire claims the lease with a compare-and-set on the version read.
func (s *SupabaseStore) Acquire(ctx context.Context, id, token string, until, now time.Time) (*notification.Notification, error) {
	cur, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != notification.StatusScheduled || cur.IsLeased(now) {
		return nil, notification.ErrLeaseHeld
	}

	update := map[string]any{
		"lease_token":      token,
		"lease_expires_at": until.UTC().Format(time.RFC3339Nano),
		"version":          cur.Version + 1,
	}
	rows, err := s.fetch(s.client.From(tableName).
		Update(update, "representation", "").
		Eq("id", id).
		Eq("version", strconv.FormatInt(cur.Version, 10)))
	if err != nil {
		return nil, fmt.Errorf("leasing notification: %w", err)
	}
	if len(rows) == 0 {
		return nil, notification.ErrLeaseHeld
	}
	return rows[0], nil
}

// List retrieves notifications with pagination and filtering.
func (s *SupabaseStore) List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()
	offset := (filter.Page - 1) * filter.PageSize

	query := s.client.From(tableName).Select("*", "exact", false)

	// Apply filters
	if filter.UserID != "" {
		query = query.Eq("user_id", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Eq("status", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Eq("kind", filter.Kind)
	}
	if filter.GroupID != "" {
		query = query.Eq("group_id", filter.GroupID)
	}

	// Order by created_at desc, paginate
	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	query = query.Range(offset, offset+filter.PageSize-1, "")

	data, count, err := query.Execute()
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}
	out, err := decodeRows(data)
	if err != nil {
		return nil, 0, err
	}
	return out, int(count), nil
}

// ListDue retrieves scheduled notifications whose time has come. Live
// leases are filtered client side.
func (s *SupabaseStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	return s.due(now, limit, s.dueQuery(now))
}

func (s *SupabaseStore) ListDueInGroup(ctx context.Context, userID, groupID string, now time.Time, limit int) ([]*notification.Notification, error) {
	query := s.dueQuery(now).
		Eq("user_id", userID).
		Eq("group_id", groupID).
		Eq("batchable", "true")
	return s.due(now, limit, query)
}

func (s *SupabaseStore) dueQuery(now time.Time) *postgrest.FilterBuilder {
	return s.client.From(tableName).
		Select("*", "", false).
		Eq("status", string(notification.StatusScheduled)).
		Lte("scheduled_for", now.UTC().Format(time.RFC3339Nano))
}

func (s *SupabaseStore) due(now time.Time, limit int, query *postgrest.FilterBuilder) ([]*notification.Notification, error) {
	ordered := query.
		Order("scheduled_for", &postgrest.OrderOpts{Ascending: true}).
		Order("id", &postgrest.OrderOpts{Ascending: true})
	if limit > 0 {
		ordered = ordered.Limit(limit, "")
	}
	rows, err := s.fetch(ordered)
	if err != nil {
		return nil, fmt.Errorf("listing due notifications: %w", err)
	}
	out := rows[:0]
	for _, n := range rows {
		if !n.IsLeased(now) {
			out = append(out, n)
		}
	}
	return out, nil
}

// FindByProviderID resolves a transport message id through the receipts table.
func (s *SupabaseStore) FindByProviderID(ctx context.Context, channel notification.Channel, providerID string) (*notification.Notification, error) {
	data, _, err := s.client.From(receiptTable).
		Select("notification_id", "", false).
		Eq("channel", string(channel)).
		Eq("provider_id", providerID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching receipt: %w", err)
	}
	var found []receiptRow
	if err := json.Unmarshal(data, &found); err != nil {
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}
	if len(found) == 0 {
		return nil, notification.ErrNotFound
	}
	return s.GetByID(ctx, found[0].NotificationID)
}

// DeleteTerminalBefore removes terminal records; receipts follow through
// the foreign key cascade.
func (s *SupabaseStore) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	terminal := make([]string, 0, len(notification.TerminalStatuses))
	for _, st := range notification.TerminalStatuses {
		terminal = append(terminal, string(st))
	}

	query := s.client.From(tableName).
		Select("id", "", false).
		In("status", terminal).
		Lt("updated_at", before.UTC().Format(time.RFC3339Nano)).
		Order("updated_at", &postgrest.OrderOpts{Ascending: true})
	if limit > 0 {
		query = query.Limit(limit, "")
	}
	data, _, err := query.Execute()
	if err != nil {
		return 0, fmt.Errorf("selecting expired notifications: %w", err)
	}
	var victims []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &victims); err != nil {
		return 0, fmt.Errorf("parsing expired notifications: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	ids := make([]string, len(victims))
	for i, v := range victims {
		ids[i] = v.ID
	}
	if _, _, err := s.client.From(tableName).Delete("minimal", "").In("id", ids).Execute(); err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	return len(ids), nil
}

func (s *SupabaseStore) saveReceipts(n *notification.Notification) error {
	rows := receipts(n)
	if len(rows) == 0 {
		return nil
	}
	_, _, err := s.client.From(receiptTable).
		Insert(rows, true, "channel,provider_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("saving receipts: %w", err)
	}
	return nil
}

func (s *SupabaseStore) fetch(query *postgrest.FilterBuilder) ([]*notification.Notification, error) {
	data, _, err := query.Execute()
	if err != nil {
		return nil, err
	}
	return decodeRows(data)
}

func decodeRows(data []byte) ([]*notification.Notification, error) {
	var rows []supabaseRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing notifications: %w", err)
	}
	out := make([]*notification.Notification, len(rows))
	for i := range rows {
		out[i] = rowToNotification(&rows[i])
	}
	return out, nil
}
