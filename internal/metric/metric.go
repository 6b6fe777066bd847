// Package metric exposes the daemon's prometheus instrumentation. One
// Metrics value is built at startup and injected where needed.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions prometheus.Gauge
	RowsIndexed    prometheus.Counter
	BytesIngested  prometheus.Counter
	Operations     *prometheus.CounterVec
	EventsDropped  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sessiond",
		Name:      "active_sessions",
		Help:      "Number of live sessions.",
	})
	m.RowsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Name:      "rows_indexed_total",
		Help:      "Stream rows appended across all sessions.",
	})
	m.BytesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Name:      "bytes_ingested_total",
		Help:      "Raw source bytes consumed across all sessions.",
	})
	m.Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessiond",
		Name:      "operations_total",
		Help:      "Tracked operations by kind and terminal state.",
	}, []string{"kind", "state"})
	m.EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sessiond",
		Name:      "events_dropped_total",
		Help:      "Session events dropped on slow subscribers.",
	})
	m.registry.MustRegister(
		m.ActiveSessions,
		m.RowsIndexed,
		m.BytesIngested,
		m.Operations,
		m.EventsDropped,
	)
	return m
}

// Handler serves the /v1/metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
