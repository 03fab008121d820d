package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	ucapability "hume-agent/internal/usecase/capability"
)

// FromConfig routes every registry group: internal to the local group,
// others to their HTTP endpoint behind the configured limiter and breaker.
// A group without an endpoint is routed to a stub that fails permanently.
func FromConfig(registry *ucapability.Registry, cfg config.CapabilitiesConfig, internal *InternalGroup, logger *slog.Logger) (*Router, error) {
	if internal == nil {
		return nil, fmt.Errorf("capability: internal group is required: %w", domain.ErrInvalidInput)
	}
	limits := make(map[string]float64, len(cfg.Groups))
	for _, g := range cfg.Groups {
		limits[g.Name] = g.RateLimit
	}

	r := NewRouter(logger)
	for _, g := range registry.Groups() {
		if g.Name == domain.InternalGroup {
			r.Register(g.Name, internal, g.Operations...)
			continue
		}
		var inv domain.CapabilityInvoker
		if g.Endpoint == "" {
			name := g.Name
			inv = InvokerFunc(func(_ context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
				return nil, fmt.Errorf("group %s has no endpoint configured: %w", name, domain.ErrCapabilityPermanent)
			})
		} else {
			inv = NewHTTPGroup(g.Endpoint, cfg.Timeout)
			if cfg.Breaker.Enabled {
				inv = NewBreaker(g.Name, inv, cfg.Breaker, logger)
			}
		}
		if perSecond := limits[g.Name]; perSecond > 0 {
			inv = RateLimited(inv, perSecond, int(perSecond)+1)
		}
		r.Register(g.Name, inv, g.Operations...)
	}
	return r, nil
}
