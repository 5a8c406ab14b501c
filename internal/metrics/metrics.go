// Package metrics defines Prometheus metrics for the monitor daemon.
//
// Metric naming follows Prometheus conventions:
//   - glasswatch_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds all daemon metrics on a private registry so tests never
// collide on global state.
type Set struct {
	registry *prometheus.Registry

	// TicksTotal counts observation ticks by result (ok or skipped).
	TicksTotal *prometheus.CounterVec

	// ObservationsTotal counts parsed observations by state.
	ObservationsTotal *prometheus.CounterVec

	// TransitionsTotal counts confirmed status changes by service and new status.
	TransitionsTotal *prometheus.CounterVec

	// AlertsTotal counts delivery attempts by channel and outcome.
	AlertsTotal *prometheus.CounterVec

	// DispatchDurationSeconds is a histogram of per-channel send duration.
	DispatchDurationSeconds *prometheus.HistogramVec

	// LogWriteFailuresTotal counts audit rows that could not be written.
	LogWriteFailuresTotal prometheus.Counter

	// ServicesTracked is the number of services with tracked state.
	ServicesTracked prometheus.Gauge
}

// New builds a metric set on its own registry.
func New() *Set {
	s := &Set{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glasswatch_ticks_total",
				Help: "Total observation ticks by result.",
			},
			[]string{"result"},
		),
		ObservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glasswatch_observations_total",
				Help: "Total parsed observations by state.",
			},
			[]string{"state"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glasswatch_transitions_total",
				Help: "Total confirmed status transitions by service and new status.",
			},
			[]string{"service", "new_status"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "glasswatch_alerts_total",
				Help: "Total alert delivery attempts by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		DispatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "glasswatch_dispatch_duration_seconds",
				Help:    "Duration of alert dispatch per channel in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"channel"},
		),
		LogWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "glasswatch_log_write_failures_total",
				Help: "Total audit log rows that could not be written.",
			},
		),
		ServicesTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "glasswatch_services_tracked",
				Help: "Number of services with tracked state.",
			},
		),
	}

	s.registry.MustRegister(
		s.TicksTotal,
		s.ObservationsTotal,
		s.TransitionsTotal,
		s.AlertsTotal,
		s.DispatchDurationSeconds,
		s.LogWriteFailuresTotal,
		s.ServicesTracked,
	)
	return s
}

// Handler serves the registry in Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordTick records one completed tick.
func (s *Set) RecordTick(skipped bool) {
	result := "ok"
	if skipped {
		result = "skipped"
	}
	s.TicksTotal.WithLabelValues(result).Inc()
}

// RecordObservation records one parsed observation.
func (s *Set) RecordObservation(state string) {
	s.ObservationsTotal.WithLabelValues(state).Inc()
}

// RecordTransition records a confirmed status change.
func (s *Set) RecordTransition(service, newStatus string) {
	s.TransitionsTotal.WithLabelValues(service, newStatus).Inc()
}

// RecordAlert records one delivery attempt outcome.
func (s *Set) RecordAlert(channel, outcome string, duration time.Duration) {
	s.AlertsTotal.WithLabelValues(channel, outcome).Inc()
	s.DispatchDurationSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}
