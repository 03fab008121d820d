package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"hume-agent/internal/domain"
)

// SlackSender posts messages with the Slack Web API. The recipient is a
// channel or user ID.
type SlackSender struct {
	api *slack.Client
}

// NewSlackSender creates a SlackSender for a bot token. Options are passed
// to slack.New, e.g. slack.OptionAPIURL in tests.
func NewSlackSender(token string, opts ...slack.Option) *SlackSender {
	return &SlackSender{api: slack.New(token, opts...)}
}

// Send implements domain.Sender.
func (s *SlackSender) Send(ctx context.Context, _, recipient, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, recipient, slack.MsgOptionText(text, false))
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("slack: %w: retry after %s", domain.ErrRateLimit, rl.RetryAfter)
	}
	var se slack.StatusCodeError
	if errors.As(err, &se) {
		if se.Code >= 500 {
			return fmt.Errorf("slack: %w: API error %d: %s", domain.ErrUpstream, se.Code, se.Status)
		}
		return fmt.Errorf("slack: %w: API error %d: %s", domain.ErrDeliveryFailed, se.Code, se.Status)
	}
	// Slack reports application errors such as channel_not_found in a 200.
	return fmt.Errorf("slack: %w: %w", domain.ErrDeliveryFailed, err)
}

var _ domain.Sender = (*SlackSender)(nil)
