package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the engine with Prometheus collectors. All
// methods are safe on a nil receiver, so instrumentation is optional.
type Metrics struct {
	enabled bool

	sessions    *prometheus.CounterVec
	active      prometheus.Gauge
	nodeLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	artifacts   *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors on the given registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		enabled: true,
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "sessions_total",
			Help:      "Sessions finished, by terminal status.",
		}, []string{"status"}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediagraph",
			Name:      "sessions_active",
			Help:      "Sessions currently being driven by the engine.",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediagraph",
			Name:      "node_duration_seconds",
			Help:      "Node run duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "item_retries_total",
			Help:      "Plan item retries, by action.",
		}, []string{"action"}),
		artifacts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "artifacts_total",
			Help:      "Artifacts produced, by kind.",
		}, []string{"kind"}),
	}
}

// Disable stops recording without unregistering collectors.
func (m *Metrics) Disable() {
	if m != nil {
		m.enabled = false
	}
}

// Enable resumes recording.
func (m *Metrics) Enable() {
	if m != nil {
		m.enabled = true
	}
}

func (m *Metrics) sessionFinished(status Status) {
	if m == nil || !m.enabled {
		return
	}
	m.sessions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil || !m.enabled {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionStopped() {
	if m == nil || !m.enabled {
		return
	}
	m.active.Dec()
}

func (m *Metrics) nodeRan(node string, d time.Duration, err error) {
	if m == nil || !m.enabled {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.nodeLatency.WithLabelValues(node, status).Observe(d.Seconds())
}

func (m *Metrics) itemRetried(action string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(action).Inc()
}

func (m *Metrics) artifactProduced(kind ArtifactKind) {
	if m == nil || !m.enabled {
		return
	}
	m.artifacts.WithLabelValues(string(kind)).Inc()
}
