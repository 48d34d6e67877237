package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"notiflow/internal/domain/notification"
)

// ErrNoDevice is returned when the user has no registered push token.
var ErrNoDevice = errors.New("user has no push token")

var _ notification.Transport = (*PushTransport)(nil)

// PushTransport delivers mobile push notifications through an HTTP push
// gateway that fans out to the device tokens it is given.
type PushTransport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewPushTransport creates a push transport for the gateway at endpoint.
func NewPushTransport(endpoint, apiKey string) *PushTransport {
	return &PushTransport{endpoint: endpoint, apiKey: apiKey, httpClient: newHTTPClient()}
}

// Channel returns the push channel identifier.
func (p *PushTransport) Channel() notification.Channel {
	return notification.ChannelPush
}

type pushRequest struct {
	Tokens   []string          `json:"tokens"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

type pushResponse struct {
	ID      string `json:"id"`
	Success int    `json:"success"`
	Failure int    `json:"failure"`
}

// Deliver sends the push. It succeeds when at least one device accepted it.
func (p *PushTransport) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	if len(msg.Contact.PushTokens) == 0 {
		return notification.Receipt{}, ErrNoDevice
	}

	priority := "normal"
	if msg.Priority == notification.PriorityHigh || msg.Priority == notification.PriorityUrgent {
		priority = "high"
	}
	req := pushRequest{
		Tokens:   msg.Contact.PushTokens,
		Title:    msg.Title,
		Body:     firstLine(msg.Body),
		Priority: priority,
		Data: map[string]string{
			"notification_id": msg.NotificationID,
			"kind":            string(msg.Kind),
			"action_url":      msg.ActionURL,
		},
	}

	var resp pushResponse
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.httpClient, p.endpoint, headers, req, &resp); err != nil {
		return notification.Receipt{}, fmt.Errorf("push gateway: %w", err)
	}
	if resp.Success == 0 && resp.Failure > 0 {
		return notification.Receipt{}, fmt.Errorf("push gateway rejected all %d devices", resp.Failure)
	}
	return notification.Receipt{ProviderID: resp.ID}, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
