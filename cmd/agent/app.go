package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hume-agent/internal/adapter/capability"
	"hume-agent/internal/adapter/channel"
	"hume-agent/internal/adapter/dedup"
	"hume-agent/internal/adapter/leadstore"
	"hume-agent/internal/adapter/llm"
	"hume-agent/internal/adapter/outbound"
	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
	"hume-agent/internal/infra/logger"
	"hume-agent/internal/infra/metrics"
	"hume-agent/internal/usecase"
	ucapability "hume-agent/internal/usecase/capability"
	"hume-agent/internal/usecase/classifier"
	"hume-agent/internal/usecase/cluster"
	"hume-agent/internal/usecase/delegation"
	"hume-agent/internal/usecase/delivery"
	"hume-agent/internal/usecase/eventbus"
	"hume-agent/internal/usecase/execution"
	"hume-agent/internal/usecase/multiagent"
	"hume-agent/internal/usecase/scheduling"
	"hume-agent/internal/usecase/workflow"
)

// historyMaxAge is how long an idle conversation keeps its history.
const historyMaxAge = 24 * time.Hour

// app holds every wired component. close releases them in reverse order.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *eventbus.Bus

	capabilities *ucapability.Registry
	admitter     *delivery.Admitter
	engine       *delegation.Engine
	orchestrator *usecase.Orchestrator
	leads        *workflow.Manager
	workers      *multiagent.Registry
	broker       *multiagent.Broker
	coordinator  *cluster.Coordinator // nil unless replicas share redis

	closers []func() error
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildApp wires the components named by cfg. The caller must close the app.
func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	// 1. Metrics & event bus
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	// 2. Model & capabilities
	model, err := llm.New(cfg.LLM, logger.Component(log, "llm"))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	a.capabilities, err = ucapability.FromConfig(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("capabilities: %w", err)
	}
	internal := capability.NewInternalGroup()
	router, err := capability.FromConfig(a.capabilities, cfg.Capabilities, internal, logger.Component(log, "capability"))
	if err != nil {
		return nil, fmt.Errorf("capability router: %w", err)
	}

	// 3. Admission & delivery
	seen, err := openSeenStore(ctx, cfg.Delivery.Dedup)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}
	if c, ok := seen.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	if cfg.Delivery.Dedup.Backend == "redis" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := dedup.Connect(dialCtx, cfg.Delivery.Dedup.RedisURL)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("cluster: %w", err)
		}
		a.coordinator = cluster.NewCoordinator(client, cluster.CoordinatorConfig{
			LockTTL: cfg.Workflow.SweepTimeout,
			Prefix:  cfg.Delivery.Dedup.KeyPrefix + "lock:",
		}, logger.Component(log, "cluster"))
		a.closers = append(a.closers, a.coordinator.Close)
	}
	a.admitter = delivery.NewAdmitter(seen, cfg.Delivery.Dedup.Window, logger.Component(log, "admission"),
		delivery.WithEventBus(a.bus), delivery.WithMetrics(a.metrics))
	sender, err := outbound.FromConfig(cfg.Outbound, logger.Component(log, "outbound"))
	if err != nil {
		return nil, fmt.Errorf("outbound: %w", err)
	}
	deliverer := delivery.NewDeliverer(sender, delivery.DelivererConfigFrom(cfg.Delivery), a.bus, a.metrics, logger.Component(log, "delivery"))
	retrier := delivery.NewRetrier(delivery.PolicyFromConfig(cfg.Delivery.Retry), logger.Component(log, "retry"), a.metrics)

	// 4. Classifier, execution, delegation
	cls, err := classifier.New(model, a.capabilities, cfg.Classifier, logger.Component(log, "classifier"),
		classifier.Options{Bus: a.bus, Metrics: a.metrics})
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	pipe := execution.New(execution.Deps{
		Model:         model,
		Invoker:       router,
		Registry:      a.capabilities,
		Retrier:       retrier,
		MaxIterations: cfg.Orchestrator.MaxToolIterations,
		Bus:           a.bus,
		Metrics:       a.metrics,
		Logger:        logger.Component(log, "execution"),
	})
	a.engine, err = delegation.NewEngine(delegation.ProfilesFromConfig(cfg.Delegation.Profiles), cls, pipe, cfg.Delegation,
		logger.Component(log, "delegation"), delegation.WithEventBus(a.bus), delegation.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}

	// 5. Orchestrator
	a.orchestrator, err = usecase.NewOrchestrator(usecase.Deps{
		Admitter:    a.admitter,
		Planner:     cls,
		Runner:      pipe,
		Delegator:   a.engine,
		Deliverer:   deliverer,
		HistorySize: cfg.Orchestrator.HistorySize,
		Logger:      logger.Component(log, "orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	// 6. Workflow
	store, err := openLeadStore(cfg.Workflow)
	if err != nil {
		return nil, fmt.Errorf("lead store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.leads, err = workflow.NewManager(store, a.orchestrator, cfg.Workflow, logger.Component(log, "workflow"),
		workflow.WithEventBus(a.bus), workflow.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}

	// 7. Worker bus
	a.workers = multiagent.NewRegistry(logger.Component(log, "workers"))
	a.broker = multiagent.NewBroker(a.workers, cfg.Bus, a.bus, a.metrics, logger.Component(log, "broker"))
	if err := usecase.RegisterPeers(a.workers, a.orchestrator, a.leads, a.engine); err != nil {
		return nil, fmt.Errorf("workers: %w", err)
	}
	capability.RegisterInternalOperations(internal, a.leads, func(ctx context.Context, target, question string) (string, error) {
		return a.broker.Ask(ctx, domain.WorkerFrom(ctx, usecase.OrchestratorWorker), target, question)
	})

	return a, nil
}

// openSeenStore returns the dedup backend named by cfg.Backend.
func openSeenStore(ctx context.Context, cfg config.DedupConfig) (delivery.SeenStore, error) {
	switch cfg.Backend {
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return dedup.Dial(dialCtx, cfg.RedisURL, cfg.KeyPrefix)
	case "memory", "":
		return delivery.NewMemorySeenStore(cfg.Capacity)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q: %w", cfg.Backend, domain.ErrInvalidInput)
	}
}

type leadStore interface {
	domain.LeadStore
	Close() error
}

// openLeadStore returns the lead store named by cfg.Store. "memory" keeps
// leads for the life of the process.
func openLeadStore(cfg config.WorkflowConfig) (leadStore, error) {
	switch cfg.Store {
	case "sqlite":
		return leadstore.NewSQLiteStore(cfg.Path)
	case "file":
		return workflow.NewFileStore(cfg.Path)
	case "memory":
		return workflow.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown workflow store %q: %w", cfg.Store, domain.ErrInvalidInput)
	}
}

// scheduler registers the recurring sweep and history reaping jobs.
func (a *app) scheduler() (*scheduling.Scheduler, error) {
	s := scheduling.NewScheduler(logger.Component(a.log, "scheduler"))
	err := s.Add(scheduling.Job{
		Name:     "lead-sweep",
		Schedule: a.cfg.Workflow.SweepSchedule,
		Timeout:  a.cfg.Workflow.SweepTimeout,
		Run:      a.sweepJob(),
	})
	if err != nil {
		return nil, err
	}
	err = s.Add(scheduling.Job{
		Name:     "history-reap",
		Schedule: "30m",
		Timeout:  time.Minute,
		Run: func(context.Context) error {
			if n := a.orchestrator.History().Reap(historyMaxAge); n > 0 {
				a.log.Debug("conversations reaped", "count", n)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// sweepJob runs one sweep, on at most one replica at a time when a
// coordinator is configured.
func (a *app) sweepJob() func(ctx context.Context) error {
	run := func(ctx context.Context) error {
		report := a.leads.Sweep(ctx, time.Now())
		a.log.Info("sweep finished",
			"due", report.Due, "touched", report.Touched, "failed", report.Failed,
			"closed", report.Closed, "conflicts", report.Conflicts, "duration", report.Duration)
		if len(report.Errors) > 0 {
			return fmt.Errorf("sweep: %d lead(s) failed", len(report.Errors))
		}
		return nil
	}
	if a.coordinator != nil {
		return a.coordinator.Singleton("lead-sweep", run)
	}
	return run
}

// server builds the HTTP surface over the orchestrator and workflow.
func (a *app) server() (*channel.HTTPServer, error) {
	opts := channel.Options{
		Inbound:  a.orchestrator,
		Leads:    a.leads,
		Admitter: a.admitter,
		Logger:   logger.Component(a.log, "http"),
	}
	if a.cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	return channel.NewHTTPServer(a.cfg.Server, opts)
}
