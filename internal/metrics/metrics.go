// Package metrics exposes Prometheus collectors for executions, node visits,
// trace flushes and dropped progress events. A nil *Metrics is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodeflow"

// Trace flush results.
const (
	FlushOK      = "ok"
	FlushError   = "error"
	FlushSkipped = "skipped"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	executions    *prometheus.CounterVec
	active        prometheus.Gauge
	nodeDuration  *prometheus.HistogramVec
	traceFlushes  *prometheus.CounterVec
	droppedEvents prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by terminal status.",
		}, []string{"status"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Executions currently running.",
		}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node processor duration by node type and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"node_type", "status"}),
		traceFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_flushes_total",
			Help:      "Trace batch writes by result.",
		}, []string{"result"}),
		droppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Progress events dropped for slow subscribers.",
		}),
	}
}

// ExecutionStarted increments the active gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// ExecutionFinished decrements the active gauge and counts status.
func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.executions.WithLabelValues(status).Inc()
}

// ObserveNode records one node visit.
func (m *Metrics) ObserveNode(nodeType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(nodeType, status).Observe(d.Seconds())
}

// TraceFlush counts one trace flush attempt.
func (m *Metrics) TraceFlush(result string) {
	if m == nil {
		return
	}
	m.traceFlushes.WithLabelValues(result).Inc()
}

// EventDropped counts one dropped progress event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
