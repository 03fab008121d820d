package outbound

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hume-agent/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// webhook secret is configured.
const SignatureHeader = "X-Hume-Signature"

// WebhookSender POSTs each message as JSON to a fixed URL.
type WebhookSender struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookSender creates a WebhookSender.
func NewWebhookSender(url, secret string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{url: url, secret: []byte(secret), client: &http.Client{Timeout: timeout}}
}

type webhookPayload struct {
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

// Send implements domain.Sender. 429 and 5xx responses are transient;
// other non-2xx responses are permanent.
func (s *WebhookSender) Send(ctx context.Context, channel, recipient, text string) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, Recipient: recipient, Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w: %w", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Sprintf("API error %d: %s", resp.StatusCode, snippet)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook: %w: %s", domain.ErrRateLimit, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: %w: %s", domain.ErrUpstream, detail)
	default:
		return fmt.Errorf("webhook: %w: %s", domain.ErrDeliveryFailed, detail)
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ domain.Sender = (*WebhookSender)(nil)
