package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
)

var _ notification.Transport = (*WebhookTransport)(nil)

// WebhookTransport posts notifications to a subscriber URL, signed with
// HMAC-SHA256(secret, timestamp + "." + payload).
type WebhookTransport struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhookTransport creates a signed webhook transport.
func NewWebhookTransport(url, secret string) *WebhookTransport {
	return &WebhookTransport{url: url, secret: secret, httpClient: newHTTPClient(), now: time.Now}
}

// Channel returns the webhook channel identifier.
func (w *WebhookTransport) Channel() notification.Channel {
	return notification.ChannelWebhook
}

type webhookEvent struct {
	Type           string   `json:"type"`
	NotificationID string   `json:"notification_id"`
	UserID         string   `json:"user_id"`
	Kind           string   `json:"kind"`
	Category       string   `json:"category"`
	Priority       string   `json:"priority"`
	Title          string   `json:"title"`
	Body           string   `json:"body,omitempty"`
	ActionURL      string   `json:"action_url,omitempty"`
	DigestOf       []string `json:"digest_of,omitempty"`
}

// Deliver posts the signed event. The delivery id doubles as provider id.
func (w *WebhookTransport) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	payload, err := json.Marshal(webhookEvent{
		Type:           "notification.delivered",
		NotificationID: msg.NotificationID,
		UserID:         msg.UserID,
		Kind:           string(msg.Kind),
		Category:       string(msg.Category),
		Priority:       string(msg.Priority),
		Title:          msg.Title,
		Body:           msg.Body,
		ActionURL:      msg.ActionURL,
		DigestOf:       msg.DigestOf,
	})
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("marshaling webhook payload: %w", err)
	}

	id := uuid.New().String()
	ts := w.now().Unix()
	headers := map[string]string{
		HeaderSignature: Sign(w.secret, ts, payload),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderID:        id,
	}
	if err := post(ctx, w.httpClient, w.url, headers, payload, nil); err != nil {
		return notification.Receipt{}, fmt.Errorf("webhook: %w", err)
	}
	return notification.Receipt{ProviderID: id}, nil
}

// Sign computes the hex signature a subscriber checks against HeaderSignature.
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
