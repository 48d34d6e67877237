package email

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Resend signs webhooks with Svix: an HMAC-SHA256 over "id.timestamp.body"
// keyed with the base64 part of the "whsec_" secret.
const (
	headerWebhookID        = "svix-id"
	headerWebhookTimestamp = "svix-timestamp"
	headerWebhookSignature = "svix-signature"
	webhookTolerance       = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing webhook signature headers")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleWebhook     = errors.New("webhook timestamp outside tolerance")
)

// WebhookVerifier authenticates Resend webhook deliveries.
type WebhookVerifier struct {
	key []byte
	now func() time.Time
}

// NewWebhookVerifier creates a verifier from the endpoint's signing secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, "whsec_"))
	if err != nil {
		return nil, fmt.Errorf("decoding webhook secret: %w", err)
	}
	return &WebhookVerifier{key: key, now: time.Now}, nil
}

// Verify checks the signature headers against body.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get(headerWebhookID)
	ts := header.Get(headerWebhookTimestamp)
	sigs := header.Get(headerWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return ErrMissingSignature
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing webhook timestamp: %w", err)
	}
	age := v.now().Sub(time.Unix(sec, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return ErrStaleWebhook
	}

	expected := v.sign(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *WebhookVerifier) sign(id, ts string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + ts + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
