package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notiflow/internal/domain/notification"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ notification.Store = (*GormStore)(nil)

// notificationRow is the gorm model of the notifications table.
type notificationRow struct {
	ID              string    `gorm:"primaryKey;type:text"`
	UserID          string    `gorm:"type:text;not null;index:idx_notifications_user"`
	Kind            string    `gorm:"type:text;not null"`
	Category        string    `gorm:"type:text;not null"`
	Priority        string    `gorm:"type:text;not null"`
	Status          string    `gorm:"type:text;not null;index:idx_notifications_due,priority:1"`
	Title           string    `gorm:"type:text;not null"`
	Body            string    `gorm:"type:text"`
	ActionURL       string    `gorm:"type:text"`
	ScheduledFor    time.Time `gorm:"not null;index:idx_notifications_due,priority:2"`
	SentAt          *time.Time
	FirstAttemptAt  *time.Time
	ExpiresAt       *time.Time
	GroupID         string `gorm:"type:text;index:idx_notifications_group"`
	Batchable       bool
	IdempotencyKey  *string `gorm:"type:text;uniqueIndex"`
	CancelRequested bool
	FailureReason   string `gorm:"type:text"`
	LeaseToken      string `gorm:"type:text"`
	LeaseExpiresAt  *time.Time
	Version         int64                        `gorm:"not null"`
	Payload         datatypes.JSONType[document] `gorm:"not null"`
	CreatedAt       time.Time                    `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time                    `gorm:"autoUpdateTime:false;index"`
}

func (notificationRow) TableName() string { return "notifications" }

// receiptRow maps a transport message id back to its notification.
type receiptRow struct {
	Channel        string `gorm:"primaryKey;type:text" json:"channel"`
	ProviderID     string `gorm:"primaryKey;type:text" json:"provider_id"`
	NotificationID string `gorm:"type:text;not null;index" json:"notification_id"`
}

func (receiptRow) TableName() string { return "notification_receipts" }

// GormStore implements notification.Store on a relational database through
// gorm. Production runs on Postgres (pgx); tests run on SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed notification store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates the schema through gorm. Postgres deployments use the
// goose migrations instead; this is for SQLite and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&notificationRow{}, &receiptRow{})
}

func toRow(n *notification.Notification) *notificationRow {
	groupID, batchable := groupOf(n)
	return &notificationRow{
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
		Payload:         datatypes.NewJSONType(toDocument(n)),
		CreatedAt:       n.CreatedAt.UTC(),
		UpdatedAt:       n.UpdatedAt.UTC(),
	}
}

func (r *notificationRow) toDomain() *notification.Notification {
	n := &notification.Notification{
		ID:              r.ID,
		UserID:          r.UserID,
		Kind:            notification.Kind(r.Kind),
		Category:        notification.Category(r.Category),
		Priority:        notification.Priority(r.Priority),
		Status:          notification.Status(r.Status),
		Title:           r.Title,
		Body:            r.Body,
		ActionURL:       r.ActionURL,
		ScheduledFor:    r.ScheduledFor.UTC(),
		SentAt:          utc(r.SentAt),
		FirstAttemptAt:  utc(r.FirstAttemptAt),
		ExpiresAt:       utc(r.ExpiresAt),
		IdempotencyKey:  derefStr(r.IdempotencyKey),
		CancelRequested: r.CancelRequested,
		FailureReason:   r.FailureReason,
		LeaseToken:      r.LeaseToken,
		LeaseExpiresAt:  utc(r.LeaseExpiresAt),
		Version:         r.Version,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	r.Payload.Data().apply(n)
	return n
}

// unleased matches rows no worker currently holds at now.
func unleased(db *gorm.DB, now time.Time) *gorm.DB {
	return db.Where("(lease_token = '' OR lease_expires_at IS NULL OR lease_expires_at <= ?)", now.UTC())
}

func (s *GormStore) Create(ctx context.Context, n *notification.Notification) error {
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

	row := toRow(n)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("inserting notification: %w", err)
		}
		return saveReceipts(tx, n)
	})
}

func (s *GormStore) GetByID(ctx context.Context, id string) (*notification.Notification, error) {
	var row notificationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	return row.toDomain(), nil
}

// GetByIdempotencyKey retrieves a notification by its idempotency key.
// Returns nil, nil if no record is found.
func (s *GormStore) GetByIdempotencyKey(ctx context.Context, key string) (*notification.Notification, error) {
	var rows []notificationRow
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching by idempotency key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

func (s *GormStore) Update(ctx context.Context, n *notification.Notification) error {
	expected := n.Version
	row := toRow(n)
	row.Version = expected + 1

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&notificationRow{}).
			Where("id = ? AND version = ?", n.ID, expected).
			Select("*").Omit("id", "created_at").
			Updates(row)
		if res.Error != nil {
			return fmt.Errorf("updating notification: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&notificationRow{}).Where("id = ?", n.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("checking notification: %w", err)
			}
			if count == 0 {
				return notification.ErrNotFound
			}
			return notification.ErrVersionConflict
		}
		return saveReceipts(tx, n)
	})
	if err != nil {
		return err
	}
	n.Version = expected + 1
	return nil
}

func (s *GormStore) Acquire(ctx context.Context, id, token string, until, now time.Time) (*notification.Notification, error) {
	db := s.db.WithContext(ctx)
	res := unleased(db.Model(&notificationRow{}).Where("id = ? AND status = ?", id, string(notification.StatusScheduled)), now).
		Updates(map[string]any{
			"lease_token":      token,
			"lease_expires_at": until.UTC(),
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("leasing notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, notification.ErrLeaseHeld
	}

	n, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.LeaseToken != token {
		return nil, notification.ErrLeaseHeld
	}
	return n, nil
}

func (s *GormStore) List(ctx context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()

	query := s.db.WithContext(ctx).Model(&notificationRow{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.GroupID != "" {
		query = query.Where("group_id = ?", filter.GroupID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	var rows []notificationRow
	err := query.Order("created_at DESC").Order("id").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}
	return toDomainList(rows), int(total), nil
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error) {
	return s.due(ctx, now, limit, func(q *gorm.DB) *gorm.DB { return q })
}

func (s *GormStore) ListDueInGroup(ctx context.Context, userID, groupID string, now time.Time, limit int) ([]*notification.Notification, error) {
	return s.due(ctx, now, limit, func(q *gorm.DB) *gorm.DB {
		return q.Where("user_id = ? AND group_id = ? AND batchable = ?", userID, groupID, true)
	})
}

func (s *GormStore) due(ctx context.Context, now time.Time, limit int, scope func(*gorm.DB) *gorm.DB) ([]*notification.Notification, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", string(notification.StatusScheduled), now.UTC())
	query = scope(unleased(query, now)).Order("scheduled_for").Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []notificationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing due notifications: %w", err)
	}
	return toDomainList(rows), nil
}

func (s *GormStore) FindByProviderID(ctx context.Context, channel notification.Channel, providerID string) (*notification.Notification, error) {
	var receipt receiptRow
	err := s.db.WithContext(ctx).
		Where("channel = ? AND provider_id = ?", string(channel), providerID).
		First(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notification.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching receipt: %w", err)
	}
	return s.GetByID(ctx, receipt.NotificationID)
}

func (s *GormStore) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	terminal := make([]string, 0, len(notification.TerminalStatuses))
	for _, st := range notification.TerminalStatuses {
		terminal = append(terminal, string(st))
	}

	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		query := tx.Model(&notificationRow{}).
			Where("status IN ? AND updated_at < ?", terminal, before.UTC()).
			Order("updated_at")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if err := query.Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("selecting expired notifications: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("notification_id IN ?", ids).Delete(&receiptRow{}).Error; err != nil {
			return fmt.Errorf("deleting receipts: %w", err)
		}
		res := tx.Where("id IN ?", ids).Delete(&notificationRow{})
		if res.Error != nil {
			return fmt.Errorf("deleting notifications: %w", res.Error)
		}
		deleted = int(res.RowsAffected)
		return nil
	})
	return deleted, err
}

func saveReceipts(tx *gorm.DB, n *notification.Notification) error {
	rows := receipts(n)
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("saving receipts: %w", err)
	}
	return nil
}

func toDomainList(rows []notificationRow) []*notification.Notification {
	out := make([]*notification.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out
}
