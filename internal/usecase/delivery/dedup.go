package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/usecase/eventbus"
)

// DefaultDedupWindow is how long an (channel, event id) pair is remembered.
const DefaultDedupWindow = 10 * time.Minute

// SeenStore remembers admission keys for a window.
type SeenStore interface {
	// MarkIfAbsent records key at now and returns true, unless key was recorded
	// within window before now, in which case it returns false.
	MarkIfAbsent(ctx context.Context, key string, now time.Time, window time.Duration) (bool, error)
	// Forget removes key so a redelivery is admitted again.
	Forget(ctx context.Context, key string) error
}

// MemorySeenStore is a bounded in-process SeenStore.
// When capacity is exceeded the least recently admitted key is dropped.
type MemorySeenStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
}

// NewMemorySeenStore creates a store holding at most capacity keys.
func NewMemorySeenStore(capacity int) (*MemorySeenStore, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup cache init: %w", err)
	}
	return &MemorySeenStore{cache: c}, nil
}

// MarkIfAbsent implements SeenStore.
func (s *MemorySeenStore) MarkIfAbsent(_ context.Context, key string, now time.Time, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.cache.Get(key); ok {
		if now.Sub(ts) < window {
			return false, nil
		}
		s.cache.Remove(key)
	}
	s.cache.Add(key, now)
	return true, nil
}

// Forget implements SeenStore.
func (s *MemorySeenStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of remembered keys.
func (s *MemorySeenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Admitter converts inbound events into tasks, suppressing redeliveries.
type Admitter struct {
	store   SeenStore
	window  time.Duration
	now     func() time.Time
	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) AdmitterOption {
	return func(a *Admitter) { a.now = now }
}

// WithEventBus publishes admission events on bus.
func WithEventBus(bus domain.EventBus) AdmitterOption {
	return func(a *Admitter) { a.bus = bus }
}

// WithMetrics records admissions on m.
func WithMetrics(m *metrics.Metrics) AdmitterOption {
	return func(a *Admitter) { a.metrics = m }
}

// NewAdmitter creates an Admitter over store. A zero window uses DefaultDedupWindow.
func NewAdmitter(store SeenStore, window time.Duration, logger *slog.Logger, opts ...AdmitterOption) *Admitter {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Admitter{store: store, window: window, now: time.Now, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Admit returns the task for ev, or an error wrapping domain.ErrDuplicateEvent if
// the same (channel, event id) was admitted within the window. A store failure
// admits the event: duplicate work is preferred over a dropped request.
func (a *Admitter) Admit(ctx context.Context, ev domain.InboundEvent) (domain.Task, error) {
	channel := strings.TrimSpace(ev.Channel)
	eventID := strings.TrimSpace(ev.EventID)
	if channel == "" || eventID == "" {
		return domain.Task{}, domain.NewDomainError("Admitter.Admit", domain.ErrInvalidInput, "channel and event_id are required")
	}

	now := a.now()
	received := ev.ReceivedAt
	if received.IsZero() {
		received = now
	}
	task := domain.Task{
		ID:             domain.DeriveTaskID(channel, eventID),
		OriginChannel:  channel,
		OriginEventID:  eventID,
		ConversationID: ev.ConversationID,
		RawText:        ev.Text,
		EntityRef:      ev.EntityRef,
		Recipient:      ev.Recipient,
		ReceivedAt:     received,
	}

	fresh, err := a.store.MarkIfAbsent(ctx, domain.DedupKey(channel, eventID), now, a.window)
	if err != nil {
		a.logger.Warn("dedup store unavailable, admitting event", "channel", channel, "event_id", eventID, "error", err)
		fresh = true
	}
	if !fresh {
		a.metrics.IncAdmission(channel, "duplicate")
		eventbus.Emit(ctx, a.bus, a.logger, domain.EventTaskDuplicate, task.ID, task)
		return task, fmt.Errorf("admit %s/%s: %w", channel, eventID, domain.ErrDuplicateEvent)
	}

	a.metrics.IncAdmission(channel, "admitted")
	eventbus.Emit(ctx, a.bus, a.logger, domain.EventTaskAdmitted, task.ID, task)
	return task, nil
}

// Release forgets the task's admission key so the channel's redelivery is processed.
// Used when nothing reached the recipient.
func (a *Admitter) Release(ctx context.Context, task domain.Task) {
	if err := a.store.Forget(ctx, domain.DedupKey(task.OriginChannel, task.OriginEventID)); err != nil {
		a.logger.Warn("failed to release admission key", "task_id", task.ID, "error", err)
	}
}
