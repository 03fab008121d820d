package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hume-agent/internal/domain"
)

// anyType subscribes to every event type.
const anyType domain.EventType = ""

type subscription struct {
	id        uint64
	eventType domain.EventType
	handler   domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus.
// Handlers run on their own goroutines with a context detached from the publisher's cancellation.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish fans out event to matching subscribers. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	var matched []subscription
	for _, s := range b.subs {
		if s.eventType == anyType || s.eventType == event.Type {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	hctx := context.WithoutCancel(ctx)
	for _, sub := range matched {
		b.wg.Add(1)
		go func(h domain.EventHandler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
				}
			}()
			h(hctx, event)
		}(sub.handler)
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyType, handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close prevents new publishes and waits for in-flight handlers. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// Emit marshals payload and publishes it on bus. A nil bus is a no-op.
// Marshal failures are logged and the event is dropped.
func Emit(ctx context.Context, bus domain.EventBus, logger *slog.Logger, eventType domain.EventType, sessionID string, payload any) {
	if bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to marshal event payload", "type", eventType, "error", err)
		}
		return
	}
	bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   data,
	})
}
