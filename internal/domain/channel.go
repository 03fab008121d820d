package domain

import (
	"context"
	"time"
)

// InboundEvent is an external input before admission: a chat message,
// a webhook callback or a timer tick.
type InboundEvent struct {
	Channel        string            `json:"channel"`
	EventID        string            `json:"event_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Recipient      string            `json:"recipient,omitempty"`
	Text           string            `json:"text"`
	EntityRef      string            `json:"entity_ref,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Sender delivers one message unit to a recipient on a channel.
// Implementations do not split; callers must respect the channel's unit limit.
type Sender interface {
	Send(ctx context.Context, channel, recipient, text string) error
}
