// Package inapp delivers in-app notifications to connected clients. The
// transport publishes to Redis so any API instance holding the user's
// socket can forward it.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

// Topic is the Redis pub/sub channel shared by publishers and hubs.
const Topic = "notiflow:inapp"

// Event is the message pushed to a client socket.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	NotificationID string    `json:"notification_id"`
	Kind           string    `json:"kind"`
	Priority       string    `json:"priority"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
	ActionURL      string    `json:"action_url,omitempty"`
	DigestOf       []string  `json:"digest_of,omitempty"`
	SentAt         time.Time `json:"sent_at,omitzero"`

	// Status and Error answer a client's interaction frame.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event types.
const (
	EventNotification = "notification"
	EventInteraction  = "interaction"
	EventError        = "error"
)

var _ notification.Transport = (*Publisher)(nil)

// Publisher is the in-app transport.
type Publisher struct {
	client *redis.Client
	now    func() time.Time
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, now: time.Now}
}

// Channel returns the in-app channel identifier.
func (p *Publisher) Channel() notification.Channel {
	return notification.ChannelInApp
}

// Deliver publishes the event. In-app delivery is complete once published;
// the message also stays readable through the notifications API.
func (p *Publisher) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	data, err := json.Marshal(Event{
		Type:           EventNotification,
		UserID:         msg.UserID,
		NotificationID: msg.NotificationID,
		Kind:           string(msg.Kind),
		Priority:       string(msg.Priority),
		Title:          msg.Title,
		Body:           msg.Body,
		ActionURL:      msg.ActionURL,
		DigestOf:       msg.DigestOf,
		SentAt:         p.now().UTC(),
	})
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("marshaling in-app event: %w", err)
	}
	if err := p.client.Publish(ctx, Topic, data).Err(); err != nil {
		return notification.Receipt{}, fmt.Errorf("publishing in-app event: %w", err)
	}
	return notification.Receipt{ProviderID: msg.NotificationID}, nil
}
