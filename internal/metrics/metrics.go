// Package metrics provides Prometheus metrics for the orchestration core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Process kinds used as metric labels.
const (
	KindAgent       = "agent"
	KindIntegration = "integration"
)

// Reasons for dropped history events.
const (
	DropMalformed = "malformed"
	DropDatabase  = "database"
)

// Metrics holds the collectors for the supervisor process. All record
// methods are nil-safe so components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	starts        *prometheus.CounterVec
	startFailures *prometheus.CounterVec
	stops         *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	running       *prometheus.GaugeVec

	sweeps      prometheus.Counter
	sweptAgents prometheus.Counter

	historyPersisted prometheus.Counter
	historyDropped   *prometheus.CounterVec

	wsConnections prometheus.Gauge
	wsDropped     prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "process_starts_total",
			Help:      "Total number of successful process starts",
		},
		[]string{"kind"},
	)
	m.startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "process_start_failures_total",
			Help:      "Total number of failed process starts",
		},
		[]string{"kind"},
	)
	m.stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "process_stops_total",
			Help:      "Total number of process stops",
		},
		[]string{"kind"},
	)
	m.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "process_restarts_total",
			Help:      "Total number of process restarts",
		},
		[]string{"kind"},
	)
	m.running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botfleet",
			Name:      "processes_running",
			Help:      "Number of processes currently observed running",
		},
		[]string{"kind"},
	)

	m.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "inactivity_sweeps_total",
		Help:      "Total number of inactivity sweep passes",
	})
	m.sweptAgents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "inactivity_swept_agents_total",
		Help:      "Total number of agents stopped by the inactivity sweeper",
	})

	m.historyPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "history_events_persisted_total",
		Help:      "Total number of chat events written to the store",
	})
	m.historyDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "history_events_dropped_total",
			Help:      "Total number of chat events dropped",
		},
		[]string{"reason"},
	)

	m.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "botfleet",
		Name:      "ws_connections",
		Help:      "Number of open WebSocket connections",
	})
	m.wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Name:      "ws_dropped_messages_total",
		Help:      "Total number of outbound WebSocket messages dropped on backpressure",
	})

	m.registry.MustRegister(
		m.starts,
		m.startFailures,
		m.stops,
		m.restarts,
		m.running,
		m.sweeps,
		m.sweptAgents,
		m.historyPersisted,
		m.historyDropped,
		m.wsConnections,
		m.wsDropped,
	)

	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStart records a successful process start.
func (m *Metrics) RecordStart(kind string) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(kind).Inc()
}

// RecordStartFailure records a failed process start.
func (m *Metrics) RecordStartFailure(kind string) {
	if m == nil {
		return
	}
	m.startFailures.WithLabelValues(kind).Inc()
}

// RecordStop records a process stop.
func (m *Metrics) RecordStop(kind string) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(kind).Inc()
}

// RecordRestart records a process restart.
func (m *Metrics) RecordRestart(kind string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(kind).Inc()
}

// SetRunning sets the observed number of running processes of a kind.
func (m *Metrics) SetRunning(kind string, n int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(kind).Set(float64(n))
}

// RecordSweep records one sweep pass and how many agents it stopped.
func (m *Metrics) RecordSweep(swept int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweptAgents.Add(float64(swept))
}

// RecordHistoryPersisted records one chat event written to the store.
func (m *Metrics) RecordHistoryPersisted() {
	if m == nil {
		return
	}
	m.historyPersisted.Inc()
}

// RecordHistoryDropped records one dropped chat event.
func (m *Metrics) RecordHistoryDropped(reason string) {
	if m == nil {
		return
	}
	m.historyDropped.WithLabelValues(reason).Inc()
}

// WSConnected tracks an opened WebSocket connection.
func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// WSDisconnected tracks a closed WebSocket connection.
func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// RecordWSDropped records an outbound message dropped on backpressure.
func (m *Metrics) RecordWSDropped() {
	if m == nil {
		return
	}
	m.wsDropped.Inc()
}
