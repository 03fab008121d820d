package domain

import (
	"context"
	"encoding/json"
)

// InternalGroup is the always-available free capability group.
const InternalGroup = "internal"

// CostTier expresses the relative expense of loading and calling a group.
type CostTier string

const (
	CostFree CostTier = "free"
	CostLow  CostTier = "low"
	CostHigh CostTier = "high"
)

// Valid reports whether t is a known tier.
func (t CostTier) Valid() bool {
	switch t {
	case CostFree, CostLow, CostHigh:
		return true
	}
	return false
}

// Weight is the context-cost multiplier for the tier.
func (t CostTier) Weight() int {
	switch t {
	case CostLow:
		return 2
	case CostHigh:
		return 4
	default:
		return 1
	}
}

// CapabilityGroup is a named bundle of related external operations.
type CapabilityGroup struct {
	Name            string   `json:"name" yaml:"name"`
	CostTier        CostTier `json:"cost_tier" yaml:"cost_tier"`
	Operations      []string `json:"operations" yaml:"operations"`
	UsagePolicy     string   `json:"usage_policy" yaml:"usage_policy"`
	Endpoint        string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AlwaysAvailable bool     `json:"always_available,omitempty" yaml:"always_available,omitempty"`
}

// OperationCount returns the number of operations in the group.
func (g CapabilityGroup) OperationCount() int { return len(g.Operations) }

// HasOperation reports whether op belongs to the group.
func (g CapabilityGroup) HasOperation(op string) bool {
	for _, o := range g.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// CapabilityCall is one requested operation on a group.
type CapabilityCall struct {
	Group     string          `json:"group"`
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// CapabilityInvoker executes operations on capability groups.
// Transient failures wrap ErrCapabilityTransient, permanent ones ErrCapabilityPermanent.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error)
}
