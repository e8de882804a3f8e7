// Package metrics exposes Prometheus collectors for routing table and lookup
// activity. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup outcomes.
const (
	OutcomeConverged = "converged"
	OutcomeExhausted = "exhausted"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
)

// Metrics holds the collectors of one node.
type Metrics struct {
	registry *prometheus.Registry

	peers          prometheus.Gauge
	buckets        prometheus.Gauge
	tableEvents    *prometheus.CounterVec
	lookups        *prometheus.CounterVec
	lookupDuration prometheus.Histogram
	lookupRounds   prometheus.Histogram
	requests       *prometheus.CounterVec
	packets        *prometheus.CounterVec
	stores         *prometheus.CounterVec
}

// New creates collectors under namespace in a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kadnet"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "peers",
			Help:      "Peers currently held in the routing table",
		}),
		buckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "buckets",
			Help:      "Number of k-buckets",
		}),
		tableEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "events_total",
			Help:      "Routing table membership events",
		}, []string{"event"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "total",
			Help:      "Closest node lookups by outcome",
		}, []string{"outcome"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "duration_seconds",
			Help:      "Wall clock time of closest node lookups",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		lookupRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lookup",
			Name:      "queried_peers",
			Help:      "Peers queried per lookup",
			Buckets:   prometheus.LinearBuckets(0, 5, 12),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Outbound requests by message kind and result",
		}, []string{"kind", "result"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "packets_received_total",
			Help:      "Inbound messages by kind",
		}, []string{"kind"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Store and retrieve operations by result",
		}, []string{"op", "result"}),
	}

	m.registry.MustRegister(
		m.peers,
		m.buckets,
		m.tableEvents,
		m.lookups,
		m.lookupDuration,
		m.lookupRounds,
		m.requests,
		m.packets,
		m.stores,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SetTableSize records the current peer and bucket counts.
func (m *Metrics) SetTableSize(peers, buckets int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(peers))
	m.buckets.Set(float64(buckets))
}

// TableEvent counts a routing table event such as peer_added.
func (m *Metrics) TableEvent(event string) {
	if m == nil {
		return
	}
	m.tableEvents.WithLabelValues(event).Inc()
}

// LookupFinished records one completed lookup.
func (m *Metrics) LookupFinished(outcome string, queried int, took time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
	m.lookupDuration.Observe(took.Seconds())
	m.lookupRounds.Observe(float64(queried))
}

// RequestDone counts an outbound request.
func (m *Metrics) RequestDone(kind, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
}

// PacketReceived counts an inbound message.
func (m *Metrics) PacketReceived(kind string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(kind).Inc()
}

// StorageOp counts a store or retrieve.
func (m *Metrics) StorageOp(op, result string) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(op, result).Inc()
}
