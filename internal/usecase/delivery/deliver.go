package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/eventbus"
)

// DefaultMaxUnit is used for channels without a configured limit.
const DefaultMaxUnit = 4000

// Result summarises one Deliver call.
type Result struct {
	Sent    int  `json:"sent"`
	Total   int  `json:"total"`
	Partial bool `json:"partial,omitempty"`
}

// Deliverer splits outbound text into channel-sized chunks and sends them in order.
type Deliverer struct {
	sender        domain.Sender
	limits        map[string]int
	defaultMax    int
	firstAttempts int
	policy        RetryPolicy
	bus           domain.EventBus
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// DelivererConfig holds Deliverer settings.
type DelivererConfig struct {
	ChannelMaxUnits    map[string]int
	DefaultMaxUnit     int
	FirstChunkAttempts int
	Backoff            RetryPolicy
}

// DelivererConfigFrom converts the config section.
func DelivererConfigFrom(c config.DeliveryConfig) DelivererConfig {
	return DelivererConfig{
		ChannelMaxUnits:    c.ChannelMaxUnits,
		DefaultMaxUnit:     c.DefaultMaxUnit,
		FirstChunkAttempts: c.FirstChunkAttempts,
		Backoff:            PolicyFromConfig(c.Retry),
	}
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(sender domain.Sender, cfg DelivererConfig, bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	if cfg.DefaultMaxUnit <= 0 {
		cfg.DefaultMaxUnit = DefaultMaxUnit
	}
	if cfg.FirstChunkAttempts <= 0 {
		cfg.FirstChunkAttempts = 3
	}
	if cfg.Backoff.InitialBackoff <= 0 {
		cfg.Backoff = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		sender:        sender,
		limits:        cfg.ChannelMaxUnits,
		defaultMax:    cfg.DefaultMaxUnit,
		firstAttempts: cfg.FirstChunkAttempts,
		policy:        cfg.Backoff,
		bus:           bus,
		metrics:       m,
		logger:        logger,
	}
}

// MaxUnit returns the message size limit for channel.
func (d *Deliverer) MaxUnit(channel string) int {
	if n, ok := d.limits[channel]; ok && n > 0 {
		return n
	}
	return d.defaultMax
}

// Deliver sends text to recipient. The first chunk is retried with backoff and
// its failure is returned wrapping domain.ErrDeliveryFailed. A later chunk
// failure stops delivery, is logged, and reported as a partial Result with a nil error.
func (d *Deliverer) Deliver(ctx context.Context, channel, recipient, text string) (Result, error) {
	ctx, span := tracer.StartSpan(ctx, "delivery.deliver", tracer.StringAttr("channel", channel))
	chunks := Split(text, d.MaxUnit(channel))
	res := Result{Total: len(chunks)}
	if len(chunks) == 0 {
		err := domain.NewDomainError("Deliverer.Deliver", domain.ErrInvalidInput, "empty message")
		tracer.End(span, err)
		return res, err
	}

	if err := d.sendFirst(ctx, channel, recipient, chunks[0]); err != nil {
		d.metrics.IncDelivery(channel, "failed", 0)
		err = fmt.Errorf("deliver to %s on %s: %w: %w", recipient, channel, domain.ErrDeliveryFailed, err)
		tracer.End(span, err)
		return res, err
	}
	res.Sent = 1

	for _, c := range chunks[1:] {
		if err := d.sender.Send(ctx, channel, recipient, c.Render()); err != nil {
			res.Partial = true
			d.logger.Warn("partial delivery",
				"channel", channel, "recipient", recipient,
				"sent", res.Sent, "total", res.Total, "error", err)
			eventbus.Emit(ctx, d.bus, d.logger, domain.EventDeliveryPartial, recipient, res)
			d.metrics.IncDelivery(channel, "partial", res.Sent)
			tracer.End(span, nil)
			return res, nil
		}
		res.Sent++
	}

	d.metrics.IncDelivery(channel, "ok", res.Sent)
	eventbus.Emit(ctx, d.bus, d.logger, domain.EventMessageSent, recipient, res)
	tracer.End(span, nil)
	return res, nil
}

func (d *Deliverer) sendFirst(ctx context.Context, channel, recipient string, c Chunk) error {
	var err error
	for attempt := 0; attempt < d.firstAttempts; attempt++ {
		if err = d.sender.Send(ctx, channel, recipient, c.Render()); err == nil {
			return nil
		}
		if ClassifyError(err).Category == ErrorCategoryPermanent || attempt == d.firstAttempts-1 {
			return err
		}
		delay := d.policy.Backoff(attempt)
		d.metrics.IncRetry("delivery:first_chunk")
		d.logger.Info("retrying first chunk", "channel", channel, "attempt", attempt+1, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
