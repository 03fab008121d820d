package domain

import "fmt"

// Mode is the execution strategy chosen for a task.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeReasoning Mode = "reasoning"
	ModeToolUsing Mode = "tool_using"
)

// ParseMode validates s against the closed set of modes.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeReasoning, ModeToolUsing:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q: %w", s, ErrInvalidInput)
}

// ExecutionPlan is the classifier's decision for one task.
type ExecutionPlan struct {
	Mode                     Mode     `json:"mode"`
	SelectedGroups           []string `json:"selected_groups"`
	Rationale                string   `json:"rationale,omitempty"`
	EstimatedCapabilityCount int      `json:"estimated_capability_count"`
	EstimatedContextCost     int      `json:"estimated_context_cost"`
	Fallback                 bool     `json:"fallback,omitempty"`
}

// Allows reports whether group was selected by the plan.
func (p ExecutionPlan) Allows(group string) bool {
	for _, g := range p.SelectedGroups {
		if g == group {
			return true
		}
	}
	return false
}

// Valid checks the structural invariants of the plan.
func (p ExecutionPlan) Valid() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.Mode == ModeToolUsing && len(p.SelectedGroups) == 0 {
		return fmt.Errorf("tool_using plan without groups: %w", ErrInvalidInput)
	}
	return nil
}
