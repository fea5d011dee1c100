// Package metrics holds the Prometheus collectors for the turn scheduler, the
// responder backends and the broadcast fan-out.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Turn outcomes recorded by RecordTurn.
const (
	OutcomeMessage  = "message"
	OutcomeEmpty    = "empty"
	OutcomeFallback = "fallback"
	OutcomeDropped  = "dropped" // generated, but the loop was stopped mid-call
)

// Metrics is the set of collectors for one process. All methods are safe on
// a nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal       *prometheus.CounterVec
	backendDuration  *prometheus.HistogramVec
	backendRequests  *prometheus.CounterVec
	activeLoops      prometheus.Gauge
	haltsTotal       *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	eventsPublished  *prometheus.CounterVec
}

// New registers all collectors on a fresh registry. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Scheduler iterations that reached the backend, by outcome.",
		}, []string{"outcome"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Responder backend call latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		backendRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Responder backend calls by provider and result.",
		}, []string{"provider", "result"}),
		activeLoops: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_loops",
			Help:      "Rooms with a generation loop in flight.",
		}),
		haltsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_halts_total",
			Help:      "Loops ended by an unrecoverable condition, by reason.",
		}, []string{"reason"}),
		broadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Subscribers evicted, or relayed events lost, because a buffer was full.",
		}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Room events published, by type.",
		}, []string{"type"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackend records one backend call. result is "ok" or an error class.
func (m *Metrics) ObserveBackend(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.backendDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.backendRequests.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) LoopStarted() {
	if m == nil {
		return
	}
	m.activeLoops.Inc()
}

func (m *Metrics) LoopEnded() {
	if m == nil {
		return
	}
	m.activeLoops.Dec()
}

func (m *Metrics) RecordHalt(reason string) {
	if m == nil {
		return
	}
	m.haltsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcastDrop() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}
