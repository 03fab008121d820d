package usecase

import (
	"sync"
	"time"

	"hume-agent/internal/domain"
)

// DefaultHistorySize is the number of exchanges kept per conversation.
const DefaultHistorySize = 20

// Conversation is the bounded exchange log of one conversation.
type Conversation struct {
	mu        sync.RWMutex
	Key       string
	exchanges []domain.Exchange
	UpdatedAt time.Time
}

// Append adds exchanges and keeps only the last max entries.
func (c *Conversation) Append(max int, now time.Time, ex ...domain.Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range ex {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		c.exchanges = append(c.exchanges, e)
	}
	if max > 0 && len(c.exchanges) > max {
		c.exchanges = append([]domain.Exchange(nil), c.exchanges[len(c.exchanges)-max:]...)
	}
	c.UpdatedAt = now
}

// Exchanges returns a copy of the log.
func (c *Conversation) Exchanges() []domain.Exchange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make([]domain.Exchange, len(c.exchanges))
	copy(cp, c.exchanges)
	return cp
}

// History holds conversations keyed by "channel:conversation".
type History struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
	size  int
	now   func() time.Time
}

// NewHistory creates a History keeping size exchanges per conversation.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{convs: make(map[string]*Conversation), size: size, now: time.Now}
}

// ConversationKey scopes a conversation id to its channel. Tasks without a
// conversation id have no history.
func ConversationKey(task domain.Task) string {
	if task.ConversationID == "" {
		return ""
	}
	return task.OriginChannel + ":" + task.ConversationID
}

// Recent returns the exchanges recorded for key, oldest first.
func (h *History) Recent(key string) []domain.Exchange {
	if key == "" {
		return nil
	}
	h.mu.RLock()
	c, ok := h.convs[key]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return c.Exchanges()
}

// Record appends a user message and the reply to key.
func (h *History) Record(key, user, reply string) {
	if key == "" {
		return
	}
	h.mu.Lock()
	c, ok := h.convs[key]
	if !ok {
		c = &Conversation{Key: key}
		h.convs[key] = c
	}
	h.mu.Unlock()

	c.Append(h.size, h.now(),
		domain.Exchange{Role: domain.RoleUser, Content: user},
		domain.Exchange{Role: domain.RoleAssistant, Content: reply},
	)
}

// Len returns the number of tracked conversations.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.convs)
}

// Reap drops conversations not updated within maxAge and returns how many were removed.
func (h *History) Reap(maxAge time.Duration) int {
	cutoff := h.now().Add(-maxAge)

	h.mu.RLock()
	var stale []string
	for key, c := range h.convs {
		c.mu.RLock()
		old := c.UpdatedAt.Before(cutoff)
		c.mu.RUnlock()
		if old {
			stale = append(stale, key)
		}
	}
	h.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	h.mu.Lock()
	for _, key := range stale {
		delete(h.convs, key)
	}
	h.mu.Unlock()
	return len(stale)
}
