// Package metrics holds the Prometheus collectors of a replication node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyssb"

// Route labels for inbound packets.
const (
	RouteDMX   = "dmx"
	RouteChunk = "chunk"
	RouteBoth  = "both"
	RouteNone  = "none"
)

// Metrics groups the collectors. Each instance owns a private registry so
// several nodes can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived *prometheus.CounterVec // PacketsReceived counts inbound packets by route
	PacketsDropped  *prometheus.CounterVec // PacketsDropped counts packets discarded before dispatch
	Appends         *prometheus.CounterVec // Appends counts log and chunk appends by result
	FramesSent      *prometheus.CounterVec // FramesSent counts outbound frames by kind
	Entries         prometheus.Counter     // Entries counts logical entries delivered upward
	GOsetKeys       *prometheus.GaugeVec   // GOsetKeys tracks membership size per domain
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Inbound packets by dispatch route.",
		}, []string{"route"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped before dispatch.",
		}, []string{"reason"}),
		Appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Log and side-chain appends by result.",
		}, []string{"kind", "result"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Outbound frames by kind.",
		}, []string{"kind"}),
		Entries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Logical entries delivered to the application.",
		}),
		GOsetKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goset_keys",
			Help:      "Members per reconciliation domain.",
		}, []string{"domain"}),
	}

	m.registry.MustRegister(
		m.PacketsReceived,
		m.PacketsDropped,
		m.Appends,
		m.FramesSent,
		m.Entries,
		m.GOsetKeys,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
