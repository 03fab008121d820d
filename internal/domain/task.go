package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Task is an admitted unit of work.
type Task struct {
	ID             string    `json:"id"`
	OriginChannel  string    `json:"origin_channel"`
	OriginEventID  string    `json:"origin_event_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RawText        string    `json:"raw_text"`
	EntityRef      string    `json:"entity_ref,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// DeriveTaskID returns a stable identifier for (channel, originEventID).
// Redeliveries of the same event map to the same id.
func DeriveTaskID(channel, originEventID string) string {
	sum := sha256.Sum256([]byte(channel + "\x00" + originEventID))
	return hex.EncodeToString(sum[:16])
}

// DedupKey is the admission key for (channel, originEventID).
func DedupKey(channel, originEventID string) string {
	return channel + "|" + originEventID
}
