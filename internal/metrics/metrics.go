// Package metrics holds the Prometheus collectors for streams, rays and
// fusions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beam"

// Metrics groups every collector exported by the orchestration core.
type Metrics struct {
	registry *prometheus.Registry

	ActiveStreams     prometheus.Gauge
	StreamOutcomes    *prometheus.CounterVec
	StreamDuration    *prometheus.HistogramVec
	UpdatesForwarded  prometheus.Counter
	UpdatesSuppressed prometheus.Counter
	RaysStarted       prometheus.Counter
	RayOutcomes       *prometheus.CounterVec
	FusionOutcomes    *prometheus.CounterVec
	Acceptances       *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "active",
			Help: "Streaming calls currently in flight.",
		}),
		StreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "outcomes_total",
			Help: "Settled streaming calls by outcome.",
		}, []string{"outcome"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "duration_seconds",
			Help:    "Wall time of streaming calls.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		UpdatesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "updates_forwarded_total",
			Help: "Partial updates forwarded to subscribers.",
		}),
		UpdatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "updates_suppressed_total",
			Help: "Partial updates dropped by the throttle.",
		}),
		RaysStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scatter", Name: "rays_started_total",
			Help: "Ray generations started.",
		}),
		RayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scatter", Name: "ray_outcomes_total",
			Help: "Settled ray generations by status.",
		}, []string{"status"}),
		FusionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gather", Name: "fusion_outcomes_total",
			Help: "Settled fusion runs by factory and status.",
		}, []string{"factory", "status"}),
		Acceptances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acceptances_total",
			Help: "Outputs accepted back into the conversation.",
		}, []string{"source"}),
	}
	m.registry.MustRegister(
		m.ActiveStreams, m.StreamOutcomes, m.StreamDuration,
		m.UpdatesForwarded, m.UpdatesSuppressed,
		m.RaysStarted, m.RayOutcomes, m.FusionOutcomes, m.Acceptances,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StreamStarted marks one streaming call in flight.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamSettled records the end of a streaming call.
func (m *Metrics) StreamSettled(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
	m.StreamDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// UpdateForwarded counts one partial update, forwarded or suppressed.
func (m *Metrics) UpdateForwarded(forwarded bool) {
	if m == nil {
		return
	}
	if forwarded {
		m.UpdatesForwarded.Inc()
	} else {
		m.UpdatesSuppressed.Inc()
	}
}

// RayStarted counts one ray generation.
func (m *Metrics) RayStarted() {
	if m == nil {
		return
	}
	m.RaysStarted.Inc()
}

// RaySettled counts one ray reaching a terminal status.
func (m *Metrics) RaySettled(status string) {
	if m == nil {
		return
	}
	m.RayOutcomes.WithLabelValues(status).Inc()
}

// FusionSettled counts one fusion run reaching a terminal status.
func (m *Metrics) FusionSettled(factory, status string) {
	if m == nil {
		return
	}
	m.FusionOutcomes.WithLabelValues(factory, status).Inc()
}

// Accepted counts one accepted output from "ray" or "fusion".
func (m *Metrics) Accepted(source string) {
	if m == nil {
		return
	}
	m.Acceptances.WithLabelValues(source).Inc()
}
