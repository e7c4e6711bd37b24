// Package metrics provides Prometheus metrics for the JIT access service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	RevocationsTotal *prometheus.CounterVec
	ActiveGrants     prometheus.Gauge
	ReconcileSweeps  prometheus.Counter
	RevocationLag    prometheus.Histogram
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jit_requests_total",
				Help: "Total access requests by entitlement and submission outcome.",
			},
			[]string{"entitlement", "outcome"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jit_decisions_total",
				Help: "Total approve/deny decisions by action and actor kind.",
			},
			[]string{"action", "actor"},
		),
		RevocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jit_revocations_total",
				Help: "Total revocations by trigger (manual, timer, reconcile).",
			},
			[]string{"trigger"},
		),
		ActiveGrants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "jit_active_grants",
				Help: "Number of currently approved (unrevoked) requests.",
			},
		),
		ReconcileSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "jit_reconcile_sweeps_total",
				Help: "Total reconcile sweeps executed.",
			},
		),
		RevocationLag: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jit_revocation_lag_seconds",
				Help:    "Delay between scheduled expiry and actual revocation.",
				Buckets: []float64{1, 5, 15, 60, 120, 300, 600, 1800},
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jit_errors_total",
				Help: "Total errors by component and type.",
			},
			[]string{"component", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.DecisionsTotal)
	reg.MustRegister(m.RevocationsTotal)
	reg.MustRegister(m.ActiveGrants)
	reg.MustRegister(m.ReconcileSweeps)
	reg.MustRegister(m.RevocationLag)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(entitlement, outcome string) {
	m.RequestsTotal.WithLabelValues(entitlement, outcome).Inc()
}

// RecordDecision increments the decision counter.
func (m *Metrics) RecordDecision(action, actor string) {
	m.DecisionsTotal.WithLabelValues(action, actor).Inc()
}

// RecordRevocation increments the revocation counter.
func (m *Metrics) RecordRevocation(trigger string) {
	m.RevocationsTotal.WithLabelValues(trigger).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errType string) {
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}

// ObserveRevocationLag records how late a revocation landed.
func (m *Metrics) ObserveRevocationLag(seconds float64) {
	m.RevocationLag.Observe(seconds)
}
