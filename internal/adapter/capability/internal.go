package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"hume-agent/internal/domain"
)

// OperationFunc serves one internal operation.
type OperationFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Handle adapts a typed handler: args are decoded into P and the result is
// encoded as JSON. Malformed args are a permanent failure.
func Handle[P any](fn func(ctx context.Context, params P) (any, error)) OperationFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var p P
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("invalid args: %w: %w", domain.ErrCapabilityPermanent, err)
			}
		}
		out, err := fn(ctx, p)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w: %w", domain.ErrCapabilityPermanent, err)
		}
		return data, nil
	}
}

// InternalGroup serves operations in-process, without network egress.
// Operations can be added after construction, before first use.
type InternalGroup struct {
	mu  sync.RWMutex
	ops map[string]OperationFunc
}

// NewInternalGroup creates an empty group.
func NewInternalGroup() *InternalGroup {
	return &InternalGroup{ops: make(map[string]OperationFunc)}
}

// Handle registers fn for operation, replacing any previous handler.
func (g *InternalGroup) Handle(operation string, fn OperationFunc) {
	g.mu.Lock()
	g.ops[operation] = fn
	g.mu.Unlock()
}

// Operations returns the served operation names, sorted.
func (g *InternalGroup) Operations() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.ops))
	for op := range g.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Invoke implements domain.CapabilityInvoker.
func (g *InternalGroup) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	g.mu.RLock()
	fn, ok := g.ops[operation]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s has no operation %q: %w", group, operation, domain.ErrCapabilityPermanent)
	}
	return fn(ctx, args)
}

var _ domain.CapabilityInvoker = (*InternalGroup)(nil)
