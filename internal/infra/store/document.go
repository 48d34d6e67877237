package store

import (
	"time"

	"notiflow/internal/domain/notification"
)

// document holds the nested parts of a notification that are stored as a
// single JSON column. Fields the stores filter or sort on live in their own
// columns instead.
type document struct {
	Source         *notification.SourceRef       `json:"source,omitempty"`
	Channels       []notification.ChannelAttempt `json:"channels"`
	Retry          notification.RetryPolicy      `json:"retry"`
	TimeConditions *notification.TimeConditions  `json:"time_conditions,omitempty"`
	UserConditions notification.UserConditions   `json:"user_conditions"`
	Recurrence     *notification.Recurrence      `json:"recurrence,omitempty"`
	Grouping       *notification.Grouping        `json:"grouping,omitempty"`
	Interaction    notification.Interaction      `json:"interaction"`
	Errors         []notification.ErrorEntry     `json:"errors,omitempty"`
	DigestOf       []string                      `json:"digest_of,omitempty"`
}

func toDocument(n *notification.Notification) document {
	return document{
		Source:         n.Source,
		Channels:       n.Channels,
		Retry:          n.Retry,
		TimeConditions: n.TimeConditions,
		UserConditions: n.UserConditions,
		Recurrence:     n.Recurrence,
		Grouping:       n.Grouping,
		Interaction:    n.Interaction,
		Errors:         n.Errors,
		DigestOf:       n.DigestOf,
	}
}

func (d document) apply(n *notification.Notification) {
	n.Source = d.Source
	n.Channels = d.Channels
	n.Retry = d.Retry
	n.TimeConditions = d.TimeConditions
	n.UserConditions = d.UserConditions
	n.Recurrence = d.Recurrence
	n.Grouping = d.Grouping
	n.Interaction = d.Interaction
	n.Errors = d.Errors
	n.DigestOf = d.DigestOf
}

// receipts lists the (channel, provider id) pairs carried by n.
func receipts(n *notification.Notification) []receiptRow {
	var out []receiptRow
	for _, a := range n.Channels {
		if a.ProviderID == "" {
			continue
		}
		out = append(out, receiptRow{
			Channel:        string(a.Channel),
			ProviderID:     a.ProviderID,
			NotificationID: n.ID,
		})
	}
	return out
}

func groupOf(n *notification.Notification) (string, bool) {
	if n.Grouping == nil {
		return "", false
	}
	return n.Grouping.GroupID, n.IsBatchable()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
