// Package metrics provides Prometheus metrics for the token registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics holds all Prometheus collectors for the token registry.
type Metrics struct {
	// Registry operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Circuit breaker
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Cleanup
	CleanupRunsTotal    *prometheus.CounterVec
	CleanupRemovedTotal prometheus.Counter

	// Events
	EventFailuresTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_registry_operations_total",
			Help: "Total number of registry operations",
		},
		[]string{"operation", "status"},
	)

	m.OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "token_registry_operation_duration_seconds",
			Help:    "Registry operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "token_registry_breaker_state",
			Help: "Circuit breaker state per operation (0 closed, 1 half-open, 2 open)",
		},
		[]string{"operation"},
	)

	m.BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_registry_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"operation", "to"},
	)

	m.CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_registry_cleanup_runs_total",
			Help: "Total number of orphan sweep runs",
		},
		[]string{"status"},
	)

	m.CleanupRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "token_registry_cleanup_removed_total",
			Help: "Total number of orphaned index entries removed",
		},
	)

	m.EventFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_registry_event_failures_total",
			Help: "Total number of event observer failures",
		},
		[]string{"event"},
	)

	m.registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.BreakerState,
		m.BreakerTransitions,
		m.CleanupRunsTotal,
		m.CleanupRemovedTotal,
		m.EventFailuresTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreaker records a breaker transition. Wired as the resilient
// store's state-change observer.
func (m *Metrics) ObserveBreaker(op string, from, to gobreaker.State) {
	m.BreakerTransitions.WithLabelValues(op, to.String()).Inc()
	m.BreakerState.WithLabelValues(op).Set(breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
