package email

import (
	"context"
	"fmt"

	"notiflow/internal/common"
	"notiflow/internal/domain/notification"

	"github.com/mrz1836/postmark"
)

var _ notification.Transport = (*PostmarkTransport)(nil)

// PostmarkTransport sends emails through Postmark's transactional API.
type PostmarkTransport struct {
	client   *postmark.Client
	sender   Sender
	renderer Renderer
}

// NewPostmarkTransport creates a Postmark-backed email transport.
func NewPostmarkTransport(serverToken, accountToken string, sender Sender, renderer Renderer) (*PostmarkTransport, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	if sender.Address == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	return &PostmarkTransport{
		client:   postmark.NewClient(serverToken, accountToken),
		sender:   sender,
		renderer: renderer,
	}, nil
}

// Channel returns the email channel identifier.
func (p *PostmarkTransport) Channel() notification.Channel {
	return notification.ChannelEmail
}

// Deliver sends the email with open and HTML link tracking enabled.
func (p *PostmarkTransport) Deliver(ctx context.Context, msg *notification.Message) (notification.Receipt, error) {
	if msg.Contact.Email == "" {
		return notification.Receipt{}, ErrNoAddress
	}
	subject, html, text, err := p.renderer.Render(msg)
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("rendering email: %w", err)
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.sender.from(),
		To:         msg.Contact.Email,
		Subject:    subject,
		Tag:        string(msg.Kind),
		HTMLBody:   html,
		TextBody:   text,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return notification.Receipt{}, fmt.Errorf("postmark: %w", err)
	}
	if resp.ErrorCode > 0 {
		return notification.Receipt{}, common.NewProviderError("postmark", fmt.Sprintf("%d - %s", resp.ErrorCode, resp.Message))
	}
	return notification.Receipt{
		ProviderID: resp.MessageID,
		Pending:    p.sender.TrackDelivery,
	}, nil
}
