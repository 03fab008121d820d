package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
)

// InvokerFunc adapts a function to domain.CapabilityInvoker.
type InvokerFunc func(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error)

// Invoke implements domain.CapabilityInvoker.
func (f InvokerFunc) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, group, operation, args)
}

// RateLimited waits for a token before each call. A context that ends while
// waiting is reported as transient so the retrier may try again.
func RateLimited(inner domain.CapabilityInvoker, perSecond float64, burst int) domain.CapabilityInvoker {
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return InvokerFunc(func(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s rate limit: %w: %w", group, domain.ErrCapabilityTransient, err)
		}
		return inner.Invoke(ctx, group, operation, args)
	})
}

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// Breaker is a per-group circuit breaker. Only transient failures count;
// an open circuit fails fast with ErrCapabilityTransient.
type Breaker struct {
	inner domain.CapabilityInvoker
	cb    *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewBreaker wraps inner for group. Zero config values take defaults.
func NewBreaker(group string, inner domain.CapabilityInvoker, cfg config.BreakerConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "capability:" + group,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrCapabilityTransient)
		},
	})
	return &Breaker{inner: inner, cb: cb}
}

// Invoke implements domain.CapabilityInvoker.
func (b *Breaker) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	out, err := b.cb.Execute(func() (json.RawMessage, error) {
		return b.inner.Invoke(ctx, group, operation, args)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s circuit open: %w: %w", group, domain.ErrCapabilityTransient, err)
	}
	return out, err
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Counting records every call that reaches it, per group.
type Counting struct {
	inner  domain.CapabilityInvoker
	mu     sync.Mutex
	counts map[string]int
	calls  []domain.CapabilityCall
}

// NewCounting wraps inner.
func NewCounting(inner domain.CapabilityInvoker) *Counting {
	return &Counting{inner: inner, counts: make(map[string]int)}
}

// Invoke implements domain.CapabilityInvoker.
func (c *Counting) Invoke(ctx context.Context, group, operation string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	c.counts[group]++
	c.calls = append(c.calls, domain.CapabilityCall{Group: group, Operation: operation, Args: args})
	c.mu.Unlock()
	return c.inner.Invoke(ctx, group, operation, args)
}

// Count returns the number of calls to group.
func (c *Counting) Count(group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[group]
}

// Calls returns every call seen, in order.
func (c *Counting) Calls() []domain.CapabilityCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.CapabilityCall(nil), c.calls...)
}

var (
	_ domain.CapabilityInvoker = InvokerFunc(nil)
	_ domain.CapabilityInvoker = (*Breaker)(nil)
	_ domain.CapabilityInvoker = (*Counting)(nil)
)
