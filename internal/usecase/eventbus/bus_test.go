package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hume-agent/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventPlanSelected, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventPlanSelected {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventPlanSelected))
	bus.Publish(context.Background(), newEvent(domain.EventLeadClosed))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventTaskAdmitted))
	bus.Publish(context.Background(), newEvent(domain.EventLeadTransition))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventTaskAdmitted, func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	unsub()

	bus.Publish(context.Background(), newEvent(domain.EventTaskAdmitted))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	bus := newTestBus()
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { panic("boom") })
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventTaskAdmitted))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestHandlerContextDetached(t *testing.T) {
	bus := newTestBus()
	errCh := make(chan error, 1)
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) { errCh <- ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, newEvent(domain.EventTaskAdmitted))
	bus.Close()

	assert.NoError(t, <-errCh)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := newTestBus()
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), newEvent(domain.EventTaskAdmitted))
	assert.Equal(t, int32(0), got.Load())
}

func TestEmit(t *testing.T) {
	bus := newTestBus()
	done := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventLeadTransition, func(_ context.Context, e domain.Event) { done <- e })

	Emit(context.Background(), bus, slog.Default(), domain.EventLeadTransition, "lead-1",
		domain.LeadTransitionPayload{LeadID: "lead-1", From: domain.StageNew, To: domain.StageContacted})
	bus.Close()

	e := <-done
	assert.Equal(t, "lead-1", e.SessionID)
	var p domain.LeadTransitionPayload
	require.NoError(t, json.Unmarshal(e.Payload, &p))
	assert.Equal(t, domain.StageContacted, p.To)

	// Nil bus is a no-op.
	Emit(context.Background(), nil, nil, domain.EventLeadTransition, "", nil)
}
