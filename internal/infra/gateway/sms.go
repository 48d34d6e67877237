package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"notiflow/internal/domain/notification"
)

// ErrNoPhone is returned when the user has no phone number on file.
var ErrNoPhone = errors.New("user has no phone number")

// maxSMSRunes keeps a message inside a single concatenated SMS.
const maxSMSRunes = 320

var _ notification.Transport = (*SMSTransport)(nil)

// SMSTransport delivers text messages through an HTTP SMS gateway.
type SMSTransport struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewSMSTransport creates an SMS transport.
func NewSMSTransport(endpoint, apiKey, from string) *SMSTransport {
	return &SMSTransport{endpoint: endpoint, apiKey: apiKey, from: from, httpClient: newHTTPClient()}
}

// Channel returns the SMS channel identifier.
func (s *SMSTransport) Channel() notification.Channel {
	return notification.ChannelSMS
}

// Deliver sends the title, plus the action link when present, as one SMS.
func (s *SMSTransport) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	if msg.Contact.Phone == "" {
		return notification.Receipt{}, ErrNoPhone
	}

	text := msg.Title
	if msg.ActionURL != "" {
		text += " " + msg.ActionURL
	}
	text = truncate(text, maxSMSRunes)

	var resp struct {
		MessageID string `json:"message_id"`
	}
	payload := map[string]string{
		"from": s.from,
		"to":   msg.Contact.Phone,
		"text": text,
	}
	headers := map[string]string{"Authorization": "Bearer " + s.apiKey}
	if err := postJSON(ctx, s.httpClient, s.endpoint, headers, payload, &resp); err != nil {
		return notification.Receipt{}, fmt.Errorf("sms gateway: %w", err)
	}
	return notification.Receipt{ProviderID: resp.MessageID}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
