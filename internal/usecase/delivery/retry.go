package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
)

// RetryPolicy is an exponential backoff schedule.
// Attempt k (0-based) waits InitialBackoff * 2^k, capped at MaxBackoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries up to 3 times starting at 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// PolicyFromConfig converts the config section.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := RetryPolicy{MaxRetries: c.MaxRetries, InitialBackoff: c.InitialBackoff, MaxBackoff: c.MaxBackoff}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff << uint(attempt)
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		return p.MaxBackoff
	}
	return d
}

// Retrier runs calls under a RetryPolicy, retrying only transient errors.
type Retrier struct {
	policy  RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetrier creates a Retrier.
func NewRetrier(policy RetryPolicy, logger *slog.Logger, m *metrics.Metrics) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, logger: logger, metrics: m}
}

// Policy returns the configured policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do calls fn until it succeeds, returns a non-transient error, or retries run out.
// The last error is returned unchanged; cancellation between attempts returns ctx.Err().
func (r *Retrier) Do(ctx context.Context, site string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ClassifyError(err).Category != ErrorCategoryTransient || attempt >= r.policy.MaxRetries {
			return err
		}
		delay := r.policy.Backoff(attempt)
		r.metrics.IncRetry(site)
		r.logger.Info("retrying after transient error",
			"site", site, "attempt", attempt+1, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// CallWithRetry invokes one capability operation under the retry policy.
func (r *Retrier) CallWithRetry(ctx context.Context, inv domain.CapabilityInvoker, call domain.CapabilityCall) (json.RawMessage, error) {
	var out json.RawMessage
	err := r.Do(ctx, "capability:"+call.Group, func(ctx context.Context) error {
		res, err := inv.Invoke(ctx, call.Group, call.Operation, call.Args)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
