// Package metrics holds the Prometheus collectors for the broker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the broker's collectors on a private registry so that
// several hubs (in tests) never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Published   *prometheus.CounterVec
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Rejected    *prometheus.CounterVec
	Relayed     prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomcast",
			Name:      "connections",
			Help:      "Currently registered connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomcast",
			Name:      "rooms",
			Help:      "Rooms with at least one subscriber.",
		}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomcast",
			Name:      "events_published_total",
			Help:      "Events accepted for fan-out, by type.",
		}, []string{"type"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomcast",
			Name:      "deliveries_total",
			Help:      "Events queued to a recipient.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomcast",
			Name:      "deliveries_dropped_total",
			Help:      "Deliveries skipped because the recipient was gone or saturated.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomcast",
			Name:      "events_rejected_total",
			Help:      "Frames rejected with an error frame, by code.",
		}, []string{"code"}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomcast",
			Name:      "events_relayed_total",
			Help:      "Events received from other instances through the bridge.",
		}),
	}
	m.registry.MustRegister(
		m.Connections, m.Rooms, m.Published, m.Delivered, m.Dropped, m.Rejected, m.Relayed,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
