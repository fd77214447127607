package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	established     prometheus.Counter
	drops           prometheus.Counter
	retries         prometheus.Counter
	connected       prometheus.Gauge
	inserts         prometheus.Counter
	duplicates      prometheus.Counter
	evictions       prometheus.Counter
	malformedFrames prometheus.Counter
	fallbacks       *prometheus.CounterVec
	feedClients     prometheus.Gauge
	feedBroadcasts  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "connection_attempts_total",
			Help:      "Candidate connection attempts by outcome.",
		}, []string{"outcome"}),
		established: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "sessions_established_total",
			Help:      "Live channels that reached the connected state.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "session_drops_total",
			Help:      "Live channels that closed abnormally.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "retries_scheduled_total",
			Help:      "Reconnect attempts scheduled with backoff.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txwatch",
			Name:      "connected",
			Help:      "1 while a live channel is connected.",
		}),
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "log_inserts_total",
			Help:      "Records added to the transaction log.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "log_duplicates_total",
			Help:      "Records ignored because their hash was already present.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "log_evictions_total",
			Help:      "Records evicted by the capacity bound.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped as malformed.",
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txwatch",
			Name:      "fallback_requests_total",
			Help:      "Fallback snapshot requests by result.",
		}, []string{"result"}),
		feedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txwatch",
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Clients connected to the feed server.",
		}),
		feedBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txwatch",
			Subsystem: "feed",
			Name:      "broadcasts_total",
			Help:      "Transactions broadcast by the feed server.",
		}),
	}
	m.registry.MustRegister(
		m.attempts, m.established, m.drops, m.retries, m.connected,
		m.inserts, m.duplicates, m.evictions, m.malformedFrames, m.fallbacks,
		m.feedClients, m.feedBroadcasts,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) attempt(o Outcome) {
	if m != nil {
		m.attempts.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.established.Inc()
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) drop() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) inserted() {
	if m != nil {
		m.inserts.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

func (m *Metrics) fallback(result string) {
	if m != nil {
		m.fallbacks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) feedClient(delta float64) {
	if m != nil {
		m.feedClients.Add(delta)
	}
}

func (m *Metrics) feedBroadcast() {
	if m != nil {
		m.feedBroadcasts.Inc()
	}
}
