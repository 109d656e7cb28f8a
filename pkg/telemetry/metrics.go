package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

// Metrics groups the runtime's prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	unknownTools     prometheus.Counter
	approvals        *prometheus.CounterVec
	interactions     *prometheus.CounterVec
	interactionWait  *prometheus.HistogramVec
	instances        prometheus.Gauge
	turns            *prometheus.CounterVec
	deferredRebuilds prometheus.Counter
}

// NewMetrics registers collectors with reg. Pass a fresh registry in tests
// to avoid duplicate registration.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Native tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Wall time of native tool calls, including approval waits.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"tool"}),
		unknownTools: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_tool_calls_total",
			Help:      "Tool calls skipped because the tool is not native.",
		}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Approval decisions by policy and decision.",
		}, []string{"policy", "decision"}),
		interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "User interactions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		interactionWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interaction_wait_seconds",
			Help:      "Time a workflow spent blocked on a user interaction.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}, []string{"kind"}),
		instances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Workflow instances currently held by the manager.",
		}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Workflow turns by outcome.",
		}, []string{"outcome"}),
		deferredRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_rebuilds_total",
			Help:      "Host reconfigurations deferred because an interaction was pending.",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WatchHub exports the hub's dropped-event count.
func (m *Metrics) WatchHub(h *Hub) error {
	if m == nil || h == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_events_total",
		Help:      "Events discarded because a subscriber fell behind.",
	}, func() float64 { return float64(h.Dropped()) }))
}

func (m *Metrics) ObserveToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) IncUnknownTool() {
	if m == nil {
		return
	}
	m.unknownTools.Inc()
}

func (m *Metrics) ObserveApproval(policy, decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(policy, decision).Inc()
}

func (m *Metrics) ObserveInteraction(kind, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(kind, outcome).Inc()
	m.interactionWait.WithLabelValues(kind).Observe(wait.Seconds())
}

func (m *Metrics) SetInstances(n int) {
	if m == nil {
		return
	}
	m.instances.Set(float64(n))
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncDeferredRebuild() {
	if m == nil {
		return
	}
	m.deferredRebuilds.Inc()
}
