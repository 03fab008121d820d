package domain

import "time"

// Role constants for exchange entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Exchange is one entry of a conversation or a subordinate scratchpad.
type Exchange struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply is the outcome of handling one inbound event.
type Reply struct {
	TaskID    string        `json:"task_id"`
	Text      string        `json:"text,omitempty"`
	Plan      ExecutionPlan `json:"plan"`
	Degraded  bool          `json:"degraded,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
	Chunks    int           `json:"chunks,omitempty"`
}
