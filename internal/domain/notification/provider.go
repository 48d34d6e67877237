package notification

import (
	"context"
	"time"
)

// Receipt is what a transport reports after accepting a message.
type Receipt struct {
	// ProviderID is the transport's message id, used to match receipts.
	ProviderID string

	// Pending means the transport accepted the message but delivery will be
	// confirmed later through a receipt webhook.
	Pending bool
}

// Message is the channel-agnostic payload handed to a transport.
type Message struct {
	NotificationID string
	UserID         string
	Kind           Kind
	Category       Category
	Priority       Priority
	Title          string
	Body           string
	ActionURL      string
	DigestOf       []string
	Contact        Contact
}

// Contact is how a user is reached outside the app.
type Contact struct {
	Email      string   `json:"email,omitempty"`
	Phone      string   `json:"phone,omitempty"`
	PushTokens []string `json:"push_tokens,omitempty"`
}

// Transport defines the contract for a notification delivery channel.
// Implementations live in infra/ (e.g., Resend for email, websocket hub for in-app).
type Transport interface {
	// Deliver sends a message through the channel.
	Deliver(ctx context.Context, msg *Message) (Receipt, error)

	// Channel returns which delivery channel this transport handles.
	Channel() Channel
}

// DNDWindow is a user's do-not-disturb window in local wall-clock time.
type DNDWindow struct {
	Enabled     bool `json:"enabled"`
	StartMinute int  `json:"start_minute"`
	EndMinute   int  `json:"end_minute"`
}

// Active reports whether the window covers the local time t.
func (w DNDWindow) Active(t time.Time) bool {
	if !w.Enabled || w.StartMinute == w.EndMinute {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if w.StartMinute < w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	return m >= w.StartMinute || m < w.EndMinute
}

// UserSnapshot is a read-only view of the user's current state.
type UserSnapshot struct {
	UserID    string    `json:"user_id"`
	Timezone  string    `json:"timezone"`
	DND       DNDWindow `json:"dnd"`
	InMeeting bool      `json:"in_meeting"`
	Contact   Contact   `json:"contact"`
}

// ContextProvider returns the current state of a user.
// Implementations must not cache results for more than a few seconds.
type ContextProvider interface {
	Snapshot(ctx context.Context, userID string) (*UserSnapshot, error)
}

// Content is the live title/description of a source entity.
type Content struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ContentProvider supplies current content for a source reference.
type ContentProvider interface {
	// Content returns nil, nil when the source has no content to offer.
	Content(ctx context.Context, ref SourceRef) (*Content, error)
}
