// Package capability implements domain.CapabilityInvoker: a router over
// remote HTTP groups and the local internal group, with rate limiting and
// circuit breaking per group.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/tracer"
)

// Router maps a group name to the invoker serving it.
type Router struct {
	groups map[string]domain.CapabilityInvoker
	ops    map[string]map[string]bool
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		groups: make(map[string]domain.CapabilityInvoker),
		ops:    make(map[string]map[string]bool),
		logger: logger,
	}
}

// Register serves group with inv. operations, when non-empty, restricts the
// accepted operation names.
func (r *Router) Register(group string, inv domain.CapabilityInvoker, operations ...string) {
	r.groups[group] = inv
	if len(operations) > 0 {
		set := make(map[string]bool, len(operations))
		for _, op := range operations {
			set[op] = true
		}
		r.ops[group] = set
	}
}

// Groups returns the routed group names, sorted.
func (r *Router) Groups() []string {
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Invoke implements domain.CapabilityInvoker. Unknown groups and operations
// are permanent failures.
func (r *Router) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	inv, ok := r.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %q is not routed: %w", group, domain.ErrCapabilityPermanent)
	}
	if ops, restricted := r.ops[group]; restricted && !ops[operation] {
		return nil, fmt.Errorf("group %q has no operation %q: %w", group, operation, domain.ErrCapabilityPermanent)
	}

	ctx, span := tracer.StartSpan(ctx, "capability.invoke",
		tracer.StringAttr("capability.group", group),
		tracer.StringAttr("capability.operation", operation),
	)
	start := time.Now()
	out, err := inv.Invoke(ctx, group, operation, args)
	tracer.End(span, err)
	r.logger.Debug("capability invoked",
		"group", group, "operation", operation, "duration", time.Since(start), "error", err)
	return out, err
}

var _ domain.CapabilityInvoker = (*Router)(nil)
