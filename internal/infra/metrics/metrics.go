// Package metrics holds the Prometheus collectors for the orchestration core.
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hume"

// Metrics groups the collectors reported by the orchestration core.
type Metrics struct {
	plans           *prometheus.CounterVec
	groupSelections *prometheus.CounterVec
	contextCost     *prometheus.HistogramVec
	admissions      *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	chunks          prometheus.Counter
	capabilityCalls *prometheus.CounterVec
	retries         *prometheus.CounterVec
	delegations     *prometheus.CounterVec
	subordinates    prometheus.Gauge
	asks            *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// New registers the collectors on reg, reusing any already registered with the same name.
// A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		plans: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "plans_total",
			Help: "Execution plans produced, by mode and fallback.",
		}, []string{"mode", "fallback"})),
		groupSelections: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "group_selections_total",
			Help: "Capability groups selected into plans.",
		}, []string{"group"})),
		contextCost: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "estimated_context_cost",
			Help:    "Estimated context cost of selected capability groups.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10),
		}, []string{"mode"})),
		admissions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "admissions_total",
			Help: "Inbound events by admission result.",
		}, []string{"channel", "result"})),
		deliveries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "messages_total",
			Help: "Outbound deliveries by result (ok, partial, failed).",
		}, []string{"channel", "result"})),
		chunks: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "chunks_total",
			Help: "Outbound chunks sent.",
		})),
		capabilityCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capability", Name: "calls_total",
			Help: "Capability invocations by group and result.",
		}, []string{"group", "result"})),
		retries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "retries_total",
			Help: "Retries of transient failures, by call site.",
		}, []string{"site"})),
		delegations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delegation", Name: "calls_total",
			Help: "Delegations by profile and result.",
		}, []string{"profile", "result"})),
		subordinates: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delegation", Name: "live_subordinates",
			Help: "Subordinates currently held in the pool.",
		})),
		asks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "messages_total",
			Help: "Inter-worker messages by kind and result.",
		}, []string{"kind", "result"})),
		transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "transitions_total",
			Help: "Committed lead stage transitions.",
		}, []string{"from", "to"})),
		sweepDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "sweep_duration_seconds",
			Help:    "Duration of workflow sweeps.",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObservePlan records one classifier decision.
func (m *Metrics) ObservePlan(mode string, groups []string, cost int, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.plans.WithLabelValues(mode, fb).Inc()
	for _, g := range groups {
		m.groupSelections.WithLabelValues(g).Inc()
	}
	m.contextCost.WithLabelValues(mode).Observe(float64(cost))
}

// IncAdmission records an admission result ("admitted" or "duplicate").
func (m *Metrics) IncAdmission(channel, result string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(channel, result).Inc()
}

// IncDelivery records a delivery outcome and the number of chunks sent.
func (m *Metrics) IncDelivery(channel, result string, chunks int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
	m.chunks.Add(float64(chunks))
}

// IncCapabilityCall records one capability invocation.
func (m *Metrics) IncCapabilityCall(group, result string) {
	if m == nil {
		return
	}
	m.capabilityCalls.WithLabelValues(group, result).Inc()
}

// IncRetry records a retry at site.
func (m *Metrics) IncRetry(site string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(site).Inc()
}

// IncDelegation records one delegation result.
func (m *Metrics) IncDelegation(profile, result string) {
	if m == nil {
		return
	}
	m.delegations.WithLabelValues(profile, result).Inc()
}

// SetSubordinates reports the live pool size.
func (m *Metrics) SetSubordinates(n int) {
	if m == nil {
		return
	}
	m.subordinates.Set(float64(n))
}

// IncBus records one inter-worker message.
func (m *Metrics) IncBus(kind, result string) {
	if m == nil {
		return
	}
	m.asks.WithLabelValues(kind, result).Inc()
}

// IncTransition records a committed lead transition.
func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveSweep records the duration of a sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
