package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerModel wraps a LanguageModel with a circuit breaker. While the
// circuit is open calls fail fast with an error wrapping ErrUpstream, which
// the classifier and orchestrator treat as a degraded model.
type CircuitBreakerModel struct {
	inner   domain.LanguageModel
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewCircuitBreakerModel wraps inner. Zero config values take defaults.
func NewCircuitBreakerModel(inner domain.LanguageModel, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerModel {
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
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one trial request while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation and bad requests say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrProviderError) ||
				errors.Is(err, domain.ErrAuthInvalid)
		},
	})
	return &CircuitBreakerModel{inner: inner, breaker: cb}
}

// Complete implements domain.LanguageModel.
func (m *CircuitBreakerModel) Complete(ctx context.Context, prompt string, schema json.RawMessage) (json.RawMessage, error) {
	out, err := m.breaker.Execute(func() (json.RawMessage, error) {
		return m.inner.Complete(ctx, prompt, schema)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("model %q circuit open: %w: %w", m.inner.Name(), domain.ErrUpstream, err)
	}
	return out, err
}

// Name implements domain.LanguageModel.
func (m *CircuitBreakerModel) Name() string { return m.inner.Name() }

// State returns the current breaker state.
func (m *CircuitBreakerModel) State() gobreaker.State { return m.breaker.State() }

var _ domain.LanguageModel = (*CircuitBreakerModel)(nil)
