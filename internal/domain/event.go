package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskAdmitted    EventType = "task.admitted"
	EventTaskDuplicate   EventType = "task.duplicate"
	EventPlanSelected    EventType = "plan.selected"
	EventCapabilityCall  EventType = "capability.call"
	EventMessageSent     EventType = "message.sent"
	EventDeliveryPartial EventType = "delivery.partial"

	// Delegation and inter-worker messaging.
	EventAgentDelegated EventType = "agent.delegated"
	EventAgentAsked     EventType = "agent.asked"
	EventAgentNotified  EventType = "agent.notified"

	// Lead nurture workflow.
	EventLeadEnrolled   EventType = "lead.enrolled"
	EventLeadTransition EventType = "lead.transition"
	EventLeadClosed     EventType = "lead.closed"
	EventSweepCompleted EventType = "workflow.sweep.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// PlanSelectedPayload is the payload of EventPlanSelected.
type PlanSelectedPayload struct {
	TaskID               string   `json:"task_id"`
	Mode                 Mode     `json:"mode"`
	Groups               []string `json:"groups"`
	EstimatedContextCost int      `json:"estimated_context_cost"`
	Fallback             bool     `json:"fallback,omitempty"`
}

// LeadTransitionPayload is the payload of EventLeadTransition.
type LeadTransitionPayload struct {
	LeadID  string `json:"lead_id"`
	From    Stage  `json:"from"`
	To      Stage  `json:"to"`
	Touch   int    `json:"touch,omitempty"`
	Version int64  `json:"version"`
	Reason  string `json:"reason,omitempty"`
}
