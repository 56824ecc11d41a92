// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and makes
// every recording method a no-op, so components take it as an optional
// dependency.
type Metrics struct {
	Fetches        *prometheus.CounterVec
	FetchDuration  *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
	RefreshCycles  prometheus.Counter
	StaleParts     prometheus.Counter
}

// New registers the engine collectors on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_fetches_total",
			Help: "Fetches issued by poll sessions, by resource kind and outcome.",
		}, []string{"resource", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statesync_fetch_duration_seconds",
			Help:    "Fetch latency by resource kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statesync_sessions_active",
			Help: "Poll sessions currently active or suspended.",
		}),
		RefreshCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_refresh_cycles_total",
			Help: "Completed refresh coordination cycles.",
		}),
		StaleParts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_stale_parts_total",
			Help: "Composite snapshot parts served stale after a source failure.",
		}),
	}
	reg.MustRegister(m.Fetches, m.FetchDuration, m.ActiveSessions, m.RefreshCycles, m.StaleParts)
	return m
}

// ObserveFetch records one completed fetch attempt.
func (m *Metrics) ObserveFetch(resource, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(resource, outcome).Inc()
	m.FetchDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// SessionStarted bumps the active-session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionStopped decrements the active-session gauge.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// CycleCompleted records one coordination cycle and its stale part count.
func (m *Metrics) CycleCompleted(staleParts int) {
	if m == nil {
		return
	}
	m.RefreshCycles.Inc()
	m.StaleParts.Add(float64(staleParts))
}
