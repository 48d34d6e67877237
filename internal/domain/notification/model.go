package notification

import (
	"fmt"
	"time"

	"notiflow/internal/common"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// validChannels is the set of all recognized delivery channels.
var validChannels = map[Channel]bool{
	ChannelInApp:   true,
	ChannelPush:    true,
	ChannelEmail:   true,
	ChannelSMS:     true,
	ChannelWebhook: true,
}

// IsValidChannel checks whether a channel is recognized.
func IsValidChannel(c Channel) bool {
	return validChannels[c]
}

// Kind is the semantic type of a notification. It is informational only.
type Kind string

const (
	KindTaskReminder     Kind = "task_reminder"
	KindDeadlineWarning  Kind = "deadline_warning"
	KindScheduleReminder Kind = "schedule_reminder"
	KindAchievement      Kind = "achievement"
	KindDigest           Kind = "digest"
	KindSystem           Kind = "system"
)

// Category is the priority class of a notification.
type Category string

const (
	CategoryReminder    Category = "reminder"
	CategoryWarning     Category = "warning"
	CategoryInformation Category = "information"
	CategoryAchievement Category = "achievement"
	CategoryUrgent      Category = "urgent"
)

// Priority drives the default channel selection.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// priorityFor derives a priority from the category when none was given.
func priorityFor(c Category) Priority {
	switch c {
	case CategoryUrgent:
		return PriorityUrgent
	case CategoryWarning:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// DefaultChannels returns the channel set used when a producer does not
// configure channels explicitly.
func DefaultChannels(p Priority) []Channel {
	switch p {
	case PriorityUrgent:
		return []Channel{ChannelPush, ChannelInApp, ChannelEmail}
	case PriorityHigh:
		return []Channel{ChannelPush, ChannelInApp}
	default:
		return []Channel{ChannelInApp}
	}
}

// SourceRef points at the task or schedule entry that produced a notification.
type SourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ChannelAttempt tracks delivery through one channel.
type ChannelAttempt struct {
	Channel       Channel    `json:"channel"`
	Enabled       bool       `json:"enabled"`
	Delivered     bool       `json:"delivered"`
	Pending       bool       `json:"pending,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	ProviderID    string     `json:"provider_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Attempts      int        `json:"attempts"`
}

// RetryPolicy bounds re-delivery of failed channels.
type RetryPolicy struct {
	MaxRetries           int `json:"max_retries"`
	RetryIntervalSeconds int `json:"retry_interval_seconds"`
	CurrentRetries       int `json:"current_retries"`
}

// HourWindow is a [Start, End) range of local hours. Start > End wraps midnight.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the window.
func (w HourWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return true
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// TimeConditions restrict when a notification may be delivered.
type TimeConditions struct {
	AllowedHours *HourWindow    `json:"allowed_hours,omitempty"`
	AllowedDays  []time.Weekday `json:"allowed_days,omitempty"`
	Timezone     string         `json:"timezone,omitempty"`
}

// UserConditions make delivery depend on the user's current state.
type UserConditions struct {
	RespectDoNotDisturb bool `json:"respect_do_not_disturb"`
	SkipIfInMeeting     bool `json:"skip_if_in_meeting"`
}

// RecurrencePattern is the step used to derive the next occurrence.
type RecurrencePattern string

const (
	RecurDaily   RecurrencePattern = "daily"
	RecurWeekly  RecurrencePattern = "weekly"
	RecurMonthly RecurrencePattern = "monthly"
	RecurYearly  RecurrencePattern = "yearly"
	RecurCustom  RecurrencePattern = "custom"
)

// Recurrence describes a repeating notification.
type Recurrence struct {
	Pattern           RecurrencePattern `json:"pattern"`
	Interval          int               `json:"interval"`
	CustomStepSeconds int               `json:"custom_step_seconds,omitempty"`
	EndDate           *time.Time        `json:"end_date,omitempty"`
	MaxOccurrences    int               `json:"max_occurrences,omitempty"`
	CurrentOccurrence int               `json:"current_occurrence"`
	NextGenerated     bool              `json:"next_generated,omitempty"`
}

// Grouping makes a notification eligible for digest batching.
type Grouping struct {
	GroupID           string `json:"group_id"`
	Batchable         bool   `json:"batchable"`
	MaxBatchSize      int    `json:"max_batch_size"`
	BatchDelaySeconds int    `json:"batch_delay_seconds,omitempty"`
}

// Interaction records what the user did with a notification.
type Interaction struct {
	Opened        bool       `json:"opened"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	Clicked       bool       `json:"clicked"`
	ClickedAt     *time.Time `json:"clicked_at,omitempty"`
	ActionTaken   string     `json:"action_taken,omitempty"`
	Dismissed     bool       `json:"dismissed"`
	DismissedAt   *time.Time `json:"dismissed_at,omitempty"`
	Snoozed       bool       `json:"snoozed"`
	SnoozedAt     *time.Time `json:"snoozed_at,omitempty"`
	SnoozeCount   int        `json:"snooze_count"`
	AppliedEvents []string   `json:"applied_events,omitempty"`
}

// ErrorEntry is one line of the diagnostic error log.
type ErrorEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error"`
	Channel    Channel   `json:"channel"`
	RetryCount int       `json:"retry_count"`
}

// Notification is the central entity of the engine.
type Notification struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Source          *SourceRef       `json:"source,omitempty"`
	Kind            Kind             `json:"kind"`
	Category        Category         `json:"category"`
	Priority        Priority         `json:"priority"`
	Title           string           `json:"title"`
	Body            string           `json:"body,omitempty"`
	ActionURL       string           `json:"action_url,omitempty"`
	ScheduledFor    time.Time        `json:"scheduled_for"`
	SentAt          *time.Time       `json:"sent_at,omitempty"`
	FirstAttemptAt  *time.Time       `json:"first_attempt_at,omitempty"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	Channels        []ChannelAttempt `json:"channels"`
	Retry           RetryPolicy      `json:"retry"`
	TimeConditions  *TimeConditions  `json:"time_conditions,omitempty"`
	UserConditions  UserConditions   `json:"user_conditions"`
	Recurrence      *Recurrence      `json:"recurrence,omitempty"`
	Grouping        *Grouping        `json:"grouping,omitempty"`
	Status          Status           `json:"status"`
	Interaction     Interaction      `json:"interaction"`
	Errors          []ErrorEntry     `json:"errors,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	DigestOf        []string         `json:"digest_of,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
	LeaseToken      string           `json:"-"`
	LeaseExpiresAt  *time.Time       `json:"-"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so transition functions never alias the input.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.Source != nil {
		s := *n.Source
		c.Source = &s
	}
	c.SentAt = cloneTime(n.SentAt)
	c.FirstAttemptAt = cloneTime(n.FirstAttemptAt)
	c.ExpiresAt = cloneTime(n.ExpiresAt)
	c.LeaseExpiresAt = cloneTime(n.LeaseExpiresAt)
	c.Channels = make([]ChannelAttempt, len(n.Channels))
	for i, a := range n.Channels {
		a.DeliveredAt = cloneTime(a.DeliveredAt)
		c.Channels[i] = a
	}
	if n.TimeConditions != nil {
		tc := *n.TimeConditions
		if tc.AllowedHours != nil {
			h := *tc.AllowedHours
			tc.AllowedHours = &h
		}
		tc.AllowedDays = append([]time.Weekday(nil), tc.AllowedDays...)
		c.TimeConditions = &tc
	}
	if n.Recurrence != nil {
		r := *n.Recurrence
		r.EndDate = cloneTime(r.EndDate)
		c.Recurrence = &r
	}
	if n.Grouping != nil {
		g := *n.Grouping
		c.Grouping = &g
	}
	in := n.Interaction
	in.OpenedAt = cloneTime(in.OpenedAt)
	in.ClickedAt = cloneTime(in.ClickedAt)
	in.DismissedAt = cloneTime(in.DismissedAt)
	in.SnoozedAt = cloneTime(in.SnoozedAt)
	in.AppliedEvents = append([]string(nil), in.AppliedEvents...)
	c.Interaction = in
	c.Errors = append([]ErrorEntry(nil), n.Errors...)
	c.DigestOf = append([]string(nil), n.DigestOf...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsBatchable reports whether the notification may be folded into a digest.
func (n *Notification) IsBatchable() bool {
	return n.Grouping != nil && n.Grouping.Batchable && n.Grouping.GroupID != ""
}

// IsLeased reports whether another worker currently holds a claim.
func (n *Notification) IsLeased(now time.Time) bool {
	return n.LeaseToken != "" && n.LeaseExpiresAt != nil && now.Before(*n.LeaseExpiresAt)
}

// IsDue reports whether delivery may be attempted at now.
func (n *Notification) IsDue(now time.Time) bool {
	return n.Status == StatusScheduled && !now.Before(n.ScheduledFor)
}

// EnabledChannels returns the enabled channel kinds in order.
func (n *Notification) EnabledChannels() []Channel {
	out := make([]Channel, 0, len(n.Channels))
	for _, a := range n.Channels {
		if a.Enabled {
			out = append(out, a.Channel)
		}
	}
	return out
}

// attempt returns the channel attempt for c, or nil.
func (n *Notification) attempt(c Channel) *ChannelAttempt {
	for i := range n.Channels {
		if n.Channels[i].Channel == c {
			return &n.Channels[i]
		}
	}
	return nil
}

// Validate checks structural invariants of a notification.
func (n *Notification) Validate() error {
	if n.UserID == "" {
		return common.NewValidationError("user_id is required")
	}
	if n.Title == "" {
		return common.NewValidationError("title is required")
	}
	if len(n.Channels) == 0 {
		return common.NewValidationError("at least one channel is required")
	}
	seen := make(map[Channel]bool, len(n.Channels))
	for _, a := range n.Channels {
		if !IsValidChannel(a.Channel) {
			return common.NewValidationError(fmt.Sprintf("unsupported channel: %s", a.Channel))
		}
		if seen[a.Channel] {
			return common.NewValidationError(fmt.Sprintf("duplicate channel: %s", a.Channel))
		}
		seen[a.Channel] = true
	}
	if n.Retry.MaxRetries < 0 || n.Retry.RetryIntervalSeconds < 0 {
		return common.NewValidationError("retry settings must not be negative")
	}
	if n.Retry.CurrentRetries > n.Retry.MaxRetries {
		return common.NewValidationError("current_retries exceeds max_retries")
	}
	if tc := n.TimeConditions; tc != nil && tc.AllowedHours != nil {
		h := tc.AllowedHours
		if h.Start < 0 || h.Start > 23 || h.End < 0 || h.End > 24 {
			return common.NewValidationError("allowed_hours must be within 0-24")
		}
	}
	if g := n.Grouping; g != nil && g.Batchable && g.GroupID == "" {
		return common.NewValidationError("batchable notifications need a group_id")
	}
	if r := n.Recurrence; r != nil && r.Interval < 0 {
		return common.NewValidationError("recurrence interval must not be negative")
	}
	return nil
}

// CreateRequest is the API request payload for scheduling a notification.
type CreateRequest struct {
	UserID         string          `json:"user_id" binding:"required"`
	Source         *SourceRef      `json:"source"`
	Kind           Kind            `json:"kind"`
	Category       Category        `json:"category"`
	Priority       Priority        `json:"priority"`
	Title          string          `json:"title" binding:"required"`
	Body           string          `json:"body"`
	ActionURL      string          `json:"action_url"`
	ScheduledFor   *time.Time      `json:"scheduled_for"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	Channels       []Channel       `json:"channels"`
	Retry          *RetryPolicy    `json:"retry"`
	TimeConditions *TimeConditions `json:"time_conditions"`
	UserConditions UserConditions  `json:"user_conditions"`
	Recurrence     *Recurrence     `json:"recurrence"`
	Grouping       *Grouping       `json:"grouping"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Defaults are engine-wide settings applied to new notifications.
type Defaults struct {
	MaxRetries           int
	RetryIntervalSeconds int
	ExpiryWindow         time.Duration
	MaxBatchSize         int
}

// New builds a scheduled notification from a request. The default channel
// set is resolved here and never recomputed.
func New(id string, req *CreateRequest, d Defaults, now time.Time) *Notification {
	n := &Notification{
		ID:             id,
		UserID:         req.UserID,
		Source:         req.Source,
		Kind:           req.Kind,
		Category:       req.Category,
		Priority:       req.Priority,
		Title:          req.Title,
		Body:           req.Body,
		ActionURL:      req.ActionURL,
		ScheduledFor:   now,
		TimeConditions: req.TimeConditions,
		UserConditions: req.UserConditions,
		Recurrence:     req.Recurrence,
		Grouping:       req.Grouping,
		Status:         StatusScheduled,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if n.Kind == "" {
		n.Kind = KindSystem
	}
	if n.Category == "" {
		n.Category = CategoryInformation
	}
	if n.Priority == "" {
		n.Priority = priorityFor(n.Category)
	}
	if req.ScheduledFor != nil {
		n.ScheduledFor = req.ScheduledFor.UTC()
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = DefaultChannels(n.Priority)
	}
	n.Channels = armChannels(channels)

	n.Retry = RetryPolicy{
		MaxRetries:           d.MaxRetries,
		RetryIntervalSeconds: d.RetryIntervalSeconds,
	}
	if req.Retry != nil {
		n.Retry = RetryPolicy{
			MaxRetries:           req.Retry.MaxRetries,
			RetryIntervalSeconds: req.Retry.RetryIntervalSeconds,
		}
	}

	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		n.ExpiresAt = &exp
	} else if d.ExpiryWindow > 0 {
		exp := n.ScheduledFor.Add(d.ExpiryWindow)
		n.ExpiresAt = &exp
	}

	if n.Grouping != nil && n.Grouping.MaxBatchSize <= 0 {
		n.Grouping.MaxBatchSize = d.MaxBatchSize
	}
	if n.Recurrence != nil {
		if n.Recurrence.Interval == 0 {
			n.Recurrence.Interval = 1
		}
		if n.Recurrence.CurrentOccurrence == 0 {
			n.Recurrence.CurrentOccurrence = 1
		}
		n.Recurrence.NextGenerated = false
	}
	return n
}

func armChannels(channels []Channel) []ChannelAttempt {
	out := make([]ChannelAttempt, 0, len(channels))
	for _, c := range channels {
		out = append(out, ChannelAttempt{Channel: c, Enabled: true})
	}
	return out
}

// ListFilter defines pagination and filtering options for listing notifications.
type ListFilter struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	Kind     string `form:"kind"`
	GroupID  string `form:"group_id"`
}

// Normalize applies pagination defaults.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

// ListResponse wraps a paginated list of notifications.
type ListResponse struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
}
