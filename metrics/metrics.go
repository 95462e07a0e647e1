// Package metrics exposes Prometheus collectors that report orchestration
// activity: admissions, live processes, terminal states, model calls and
// cooldowns, tool invocations and event bus drops. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spacebot"

// Metrics holds the collectors shared by supervisor, router, tool servers and bus.
type Metrics struct {
	admissions     *prometheus.CounterVec
	activeProcs    *prometheus.GaugeVec
	terminal       *prometheus.CounterVec
	modelCalls     *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
	cooldowns      *prometheus.CounterVec
	chainExhausted *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	busPublished   prometheus.Counter
	busDropped     prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created once so repeated agents in one
// binary share them.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics constructs Metrics using the provided registerer. Collectors
// already registered under the same name are reused; any other registration
// error panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		admissions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "admissions_total",
			Help:      "Process admission attempts by kind and result.",
		}, []string{"kind", "result"})),
		activeProcs: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "active_processes",
			Help:      "Processes currently in the live table.",
		}, []string{"kind"})),
		terminal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "terminal_total",
			Help:      "Processes that reached a terminal state.",
		}, []string{"kind", "state"})),
		modelCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "model_calls_total",
			Help:      "Model call attempts by model and outcome.",
		}, []string{"model", "outcome"})),
		modelLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "model_call_duration_seconds",
			Help:      "Latency of model call attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"})),
		cooldowns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "cooldowns_total",
			Help:      "Cooldown entries installed after rate limiting.",
		}, []string{"model"})),
		chainExhausted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "chain_exhausted_total",
			Help:      "Turns that exhausted their fallback chain.",
		}, []string{"kind"})),
		toolCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"})),
		busPublished: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on agent event buses.",
		})),
		busDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Admission records an admission decision.
func (m *Metrics) Admission(kind string, admitted bool) {
	if m == nil {
		return
	}
	result := "admitted"
	if !admitted {
		result = "rejected"
	}
	m.admissions.WithLabelValues(kind, result).Inc()
	if admitted {
		m.activeProcs.WithLabelValues(kind).Inc()
	}
}

// Terminated records a process leaving the live table.
func (m *Metrics) Terminated(kind, state string) {
	if m == nil {
		return
	}
	m.activeProcs.WithLabelValues(kind).Dec()
	m.terminal.WithLabelValues(kind, state).Inc()
}

// ModelCall records one attempt against a model.
func (m *Metrics) ModelCall(model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(model, outcome).Inc()
	if d > 0 {
		m.modelLatency.WithLabelValues(model).Observe(d.Seconds())
	}
}

// Cooldown records a cooldown installation.
func (m *Metrics) Cooldown(model string) {
	if m == nil {
		return
	}
	m.cooldowns.WithLabelValues(model).Inc()
}

// ChainExhausted records a turn failing on an exhausted fallback chain.
func (m *Metrics) ChainExhausted(kind string) {
	if m == nil {
		return
	}
	m.chainExhausted.WithLabelValues(kind).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(server, tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, outcome).Inc()
}

// EventPublished records one bus publish.
func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.busPublished.Inc()
}

// EventDropped records one event dropped for a slow subscriber.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}
