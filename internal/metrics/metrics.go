// Package metrics exposes Prometheus instrumentation for the sync engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetwatch"

// Metrics holds every collector, registered against its own registry.
type Metrics struct {
	registry *prometheus.Registry

	pushMessages   *prometheus.CounterVec
	pushReconnects *prometheus.CounterVec
	pushConnected  prometheus.Gauge

	pollsActive  prometheus.Gauge
	pollRequests *prometheus.CounterVec

	sweepRefreshes *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	healthProbes   *prometheus.CounterVec

	authRefreshes *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "messages_total",
			Help: "Push messages received, by type.",
		}, []string{"type"}),
		pushReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "reconnects_total",
			Help: "Push channel reconnect decisions, by path (refresh, backoff, exhausted).",
		}, []string{"path"}),
		pushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "push", Name: "connected",
			Help: "1 while the push channel is open.",
		}),
		pollsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "poll", Name: "active",
			Help: "Resources currently under targeted polling.",
		}),
		pollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poll", Name: "requests_total",
			Help: "Targeted poll requests, by outcome.",
		}, []string{"outcome"}),
		sweepRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "refreshes_total",
			Help: "Collection refreshes, by collection and outcome.",
		}, []string{"collection", "outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "duration_seconds",
			Help:    "Wall time of a full reconciliation sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweep", Name: "health_probes_total",
			Help: "Liveness probes, by result.",
		}, []string{"result"}),
		authRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "refreshes_total",
			Help: "Session token refresh attempts, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.pushMessages, m.pushReconnects, m.pushConnected,
		m.pollsActive, m.pollRequests,
		m.sweepRefreshes, m.sweepDuration, m.healthProbes,
		m.authRefreshes,
	)
	return m
}

// Registry returns the underlying registry.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Message labels for payloads that do not map to a known message type.
const (
	MessageUnknown   = "unknown"
	MessageMalformed = "malformed"
)

// PushMessage counts a received message. kind must come from a fixed set
// (the known message types, MessageUnknown or MessageMalformed).
func (m *Metrics) PushMessage(kind string) {
	if m == nil {
		return
	}
	m.pushMessages.WithLabelValues(kind).Inc()
}

// PushReconnect counts a reconnect decision.
func (m *Metrics) PushReconnect(path string) {
	if m == nil {
		return
	}
	m.pushReconnects.WithLabelValues(path).Inc()
}

// PushConnected records whether the channel is open.
func (m *Metrics) PushConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.pushConnected.Set(1)
	} else {
		m.pushConnected.Set(0)
	}
}

// PollsActive records the number of polled resources.
func (m *Metrics) PollsActive(n int) {
	if m == nil {
		return
	}
	m.pollsActive.Set(float64(n))
}

// PollRequest counts a poll request.
func (m *Metrics) PollRequest(err error) {
	if m == nil {
		return
	}
	m.pollRequests.WithLabelValues(outcome(err)).Inc()
}

// SweepRefresh counts a collection refresh.
func (m *Metrics) SweepRefresh(collection string, err error) {
	if m == nil {
		return
	}
	m.sweepRefreshes.WithLabelValues(collection, outcome(err)).Inc()
}

// SweepDuration observes a sweep's wall time.
func (m *Metrics) SweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// HealthProbe counts a liveness probe.
func (m *Metrics) HealthProbe(healthy bool) {
	if m == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// AuthRefresh counts a token refresh attempt.
func (m *Metrics) AuthRefresh(err error) {
	if m == nil {
		return
	}
	m.authRefreshes.WithLabelValues(outcome(err)).Inc()
}
