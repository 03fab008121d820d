// Package multiagent carries messages between named workers.
package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/infra/tracer"
	"hume-agent/internal/usecase/eventbus"
)

type chainKey struct{}

// Chain returns the ask chain carried by ctx, originator first.
func Chain(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

func withChain(ctx context.Context, chain []string) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

// AskOption configures a single Ask.
type AskOption func(*askOptions)

type askOptions struct {
	timeout time.Duration
	meta    map[string]string
}

// WithTimeout overrides the broker's ask timeout.
func WithTimeout(d time.Duration) AskOption {
	return func(o *askOptions) { o.timeout = d }
}

// WithMeta attaches key/value context for the target worker.
func WithMeta(meta map[string]string) AskOption {
	return func(o *askOptions) { o.meta = meta }
}

// Broker delivers asks and notifications between registered workers.
type Broker struct {
	registry   *Registry
	askTimeout time.Duration
	maxDepth   int
	log        *commLog
	wg         sync.WaitGroup
	now        func() time.Time

	bus     domain.EventBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBroker creates a Broker over registry.
func NewBroker(registry *Registry, cfg config.BusConfig, bus domain.EventBus, m *metrics.Metrics, logger *slog.Logger) *Broker {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 30 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		registry:   registry,
		askTimeout: cfg.AskTimeout,
		maxDepth:   cfg.MaxDepth,
		log:        newCommLog(cfg.LogSize),
		now:        time.Now,
		bus:        bus,
		metrics:    m,
		logger:     logger,
	}
}

// Registry returns the worker registry.
func (b *Broker) Registry() *Registry { return b.registry }

// extend checks that from may reach target and returns the new chain.
func (b *Broker) extend(ctx context.Context, from, target string) ([]string, error) {
	chain := Chain(ctx)
	if len(chain) == 0 {
		chain = []string{from}
	} else if chain[len(chain)-1] != from {
		chain = append(slices.Clone(chain), from)
	}
	if slices.Contains(chain, target) {
		return nil, fmt.Errorf("%s -> %s: %w", strings.Join(chain, " -> "), target, domain.ErrAskCycle)
	}
	next := append(slices.Clone(chain), target)
	if hops := len(next) - 1; hops > b.maxDepth {
		return nil, fmt.Errorf("%d hops exceeds %d: %w", hops, b.maxDepth, domain.ErrAskDepth)
	}
	return next, nil
}

// Ask sends question from one worker to another and waits for the answer.
// Asking any worker already on the chain, including the asker, fails with
// ErrAskCycle; chains deeper than the configured limit fail with ErrAskDepth.
func (b *Broker) Ask(ctx context.Context, from, target, question string, opts ...AskOption) (string, error) {
	o := askOptions{timeout: b.askTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	ctx, span := tracer.StartSpan(ctx, "bus.ask",
		tracer.StringAttr("bus.from", from),
		tracer.StringAttr("bus.to", target),
	)
	start := b.now()
	answer, err := b.ask(ctx, from, target, question, o)
	tracer.End(span, err)
	b.record(ctx, KindAsk, from, target, question, answer, err, start)
	return answer, err
}

func (b *Broker) ask(ctx context.Context, from, target, question string, o askOptions) (string, error) {
	chain, err := b.extend(ctx, from, target)
	if err != nil {
		return "", err
	}
	w, err := b.registry.Get(target)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(withChain(ctx, chain), o.timeout)
	defer cancel()

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := w.Handle(ctx, from, question, o.meta)
		done <- result{answer, err}
	}()

	select {
	case r := <-done:
		return r.answer, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", domain.NewSubSystemError("bus", "Ask", domain.ErrTimeout,
				fmt.Sprintf("%s did not answer within %s", target, o.timeout))
		}
		return "", ctx.Err()
	}
}

// Notify delivers message to target without waiting. Failures are logged.
func (b *Broker) Notify(ctx context.Context, from, target, message string) {
	chain, err := b.extend(ctx, from, target)
	if err != nil {
		b.logger.Warn("notify rejected", "from", from, "to", target, "error", err)
		b.record(ctx, KindNotify, from, target, message, "", err, b.now())
		return
	}
	// The notification outlives the caller's request.
	nctx := withChain(context.WithoutCancel(ctx), chain)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		start := b.now()
		err := b.notify(nctx, from, target, message)
		if err != nil {
			b.logger.Warn("notify failed", "from", from, "to", target, "error", err)
		}
		b.record(nctx, KindNotify, from, target, message, "", err, start)
	}()
}

func (b *Broker) notify(ctx context.Context, from, target, message string) error {
	w, err := b.registry.Get(target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.askTimeout)
	defer cancel()
	_, err = w.Handle(ctx, from, message, map[string]string{"kind": string(KindNotify)})
	return err
}

// Broadcast sends message to every target. Without wait it only dispatches
// notifications and returns nil, nil. With wait it asks all targets
// concurrently and returns answers in target order; failed entries are empty
// and their errors are joined.
func (b *Broker) Broadcast(ctx context.Context, from string, targets []string, message string, wait bool) ([]string, error) {
	if !wait {
		for _, t := range targets {
			b.Notify(ctx, from, t, message)
		}
		return nil, nil
	}
	answers := make([]string, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answers[i], errs[i] = b.Ask(ctx, from, t, message)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("%s: %w", t, errs[i])
			}
		}()
	}
	wg.Wait()
	return answers, errors.Join(errs...)
}

// Wait blocks until in-flight notifications finish.
func (b *Broker) Wait() { b.wg.Wait() }

// Log returns the retained communication log, oldest first.
func (b *Broker) Log() []LogEntry { return b.log.snapshot() }

// Patterns summarises the retained log by worker pair.
func (b *Broker) Patterns() []Pattern { return b.log.patterns() }

func (b *Broker) record(ctx context.Context, kind Kind, from, to, message, response string, err error, start time.Time) {
	entry := LogEntry{
		ID:       ulid.Make().String(),
		From:     from,
		To:       to,
		Kind:     kind,
		Message:  message,
		Response: response,
		At:       start,
		Duration: b.now().Sub(start),
	}
	result := "ok"
	if err != nil {
		entry.Error = err.Error()
		result = "error"
	}
	b.log.append(entry)
	b.metrics.IncBus(string(kind), result)

	eventType := domain.EventAgentAsked
	if kind == KindNotify {
		eventType = domain.EventAgentNotified
	}
	eventbus.Emit(ctx, b.bus, b.logger, eventType, entry.ID, map[string]string{
		"from":   from,
		"to":     to,
		"result": result,
	})
}
