package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"notiflow/internal/common"
	"notiflow/internal/domain/notification"
)

const resendBaseURL = "https://api.resend.com"

// ErrNoAddress is returned when the user has no email address on file.
var ErrNoAddress = errors.New("user has no email address")

// Renderer turns a notification message into an email.
type Renderer interface {
	Render(msg *notification.Message) (subject, html, text string, err error)
}

// Sender holds the From identity shared by the email transports.
type Sender struct {
	Address string
	Name    string
	// TrackDelivery reports accepted emails as pending until the provider's
	// delivery webhook confirms them.
	TrackDelivery bool
}

func (s Sender) from() string {
	if s.Name != "" {
		return fmt.Sprintf("%s <%s>", s.Name, s.Address)
	}
	return s.Address
}

var _ notification.Transport = (*ResendTransport)(nil)

// ResendTransport sends emails using the Resend API.
type ResendTransport struct {
	apiKey     string
	sender     Sender
	renderer   Renderer
	baseURL    string
	httpClient *http.Client
}

// NewResendTransport creates a new Resend email transport.
func NewResendTransport(apiKey string, sender Sender, renderer Renderer) *ResendTransport {
	return &ResendTransport{
		apiKey:     apiKey,
		sender:     sender,
		renderer:   renderer,
		baseURL:    resendBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the transport at another API host.
func (p *ResendTransport) WithBaseURL(u string) *ResendTransport {
	p.baseURL = u
	return p
}

// Channel returns the email channel identifier.
func (p *ResendTransport) Channel() notification.Channel {
	return notification.ChannelEmail
}

// Deliver sends an email via the Resend API and returns the message ID.
func (p *ResendTransport) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	if msg.Contact.Email == "" {
		return notification.Receipt{}, ErrNoAddress
	}
	subject, html, text, err := p.renderer.Render(msg)
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("rendering email: %w", err)
	}

	payload := map[string]any{
		"from":    p.sender.from(),
		"to":      []string{msg.Contact.Email},
		"subject": subject,
		"html":    html,
		"tags": []map[string]string{
			{"name": "notification_id", "value": msg.NotificationID},
			{"name": "kind", "value": string(msg.Kind)},
		},
	}

	// Include plain-text version if available
	if text != "" {
		payload["text"] = text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("marshaling email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	// Resend dedupes retries of the same notification for 24h.
	req.Header.Set("Idempotency-Key", msg.NotificationID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message    string `json:"message"`
			StatusCode int    `json:"statusCode"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		msg := errResp.Message
		if msg == "" {
			msg = fmt.Sprintf("resend API error: status %d", resp.StatusCode)
		}
		return notification.Receipt{}, common.NewProviderError("resend", msg)
	}

	var successResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return notification.Receipt{}, fmt.Errorf("parsing resend response: %w", err)
	}

	return notification.Receipt{
		ProviderID: successResp.ID,
		Pending:    p.sender.TrackDelivery,
	}, nil
}
