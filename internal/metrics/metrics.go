package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// RateLimitedTotal counts requests rejected by the per-IP limiter
	RateLimitedTotal prometheus.Counter

	// AdmissionDecisions counts quota decisions by resource, outcome and reason
	AdmissionDecisions *prometheus.CounterVec
	// AdmissionLatency tracks the duration of a full admission check
	AdmissionLatency *prometheus.HistogramVec
	// CounterOperations counts atomic counter mutations by operation and result
	CounterOperations *prometheus.CounterVec
	// StorageErrors counts store failures; ambiguous=true when the outcome is unknown
	StorageErrors *prometheus.CounterVec
	// Compensations counts compensating releases by result
	Compensations *prometheus.CounterVec
	// CompensationFailures counts compensations that exhausted their retries (counter drift)
	CompensationFailures *prometheus.CounterVec
	// WindowRolls counts scheduled monthly window rolls
	WindowRolls *prometheus.CounterVec
	// TierChanges counts applied tier changes
	TierChanges *prometheus.CounterVec
	// AlertsSent counts limit notifications by channel and status
	AlertsSent *prometheus.CounterVec
	// ConfigReloads counts config reload attempts
	ConfigReloads *prometheus.CounterVec

	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
		),
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Total number of quota admission decisions",
			},
			[]string{"resource", "outcome", "reason"},
		),
		AdmissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_latency_seconds",
				Help:      "Duration of quota admission checks",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"resource"},
		),
		CounterOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "counter_operations_total",
				Help:      "Total number of atomic counter operations",
			},
			[]string{"operation", "counter", "result"},
		),
		StorageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of tenant store failures",
			},
			[]string{"operation", "ambiguous"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating releases",
			},
			[]string{"resource", "result"},
		),
		CompensationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensation_failures_total",
				Help:      "Compensating releases that exhausted their retries",
			},
			[]string{"resource"},
		),
		WindowRolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "window_rolls_total",
				Help:      "Total number of tenant window rolls",
			},
			[]string{"result"},
		),
		TierChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tier_changes_total",
				Help:      "Total number of applied tier changes",
			},
			[]string{"from", "to"},
		),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_sent_total",
				Help:      "Total number of limit notifications",
			},
			[]string{"channel", "status"},
		),
		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"status"},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
		m.ErrorCounter,
		m.RateLimitedTotal,
		m.AdmissionDecisions,
		m.AdmissionLatency,
		m.CounterOperations,
		m.StorageErrors,
		m.Compensations,
		m.CompensationFailures,
		m.WindowRolls,
		m.TierChanges,
		m.AlertsSent,
		m.ConfigReloads,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter
func (m *Metrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

// RecordAdmission records a quota decision and how long it took
func (m *Metrics) RecordAdmission(resource string, allowed bool, reason string, duration time.Duration) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.AdmissionDecisions.WithLabelValues(resource, outcome, reason).Inc()
	m.AdmissionLatency.WithLabelValues(resource).Observe(duration.Seconds())
}

// RecordCounterOperation records an atomic counter mutation
func (m *Metrics) RecordCounterOperation(operation, counter, result string) {
	m.CounterOperations.WithLabelValues(operation, counter, result).Inc()
}

// RecordStorageError records a tenant store failure
func (m *Metrics) RecordStorageError(operation string, ambiguous bool) {
	m.StorageErrors.WithLabelValues(operation, strconv.FormatBool(ambiguous)).Inc()
}

// RecordCompensation records a compensating release
func (m *Metrics) RecordCompensation(resource string, success bool) {
	result := "success"
	if !success {
		result = "failed"
		m.CompensationFailures.WithLabelValues(resource).Inc()
	}
	m.Compensations.WithLabelValues(resource, result).Inc()
}

// RecordWindowRoll records the outcome of rolling one tenant's window
func (m *Metrics) RecordWindowRoll(result string) {
	m.WindowRolls.WithLabelValues(result).Inc()
}

// RecordTierChange records an applied tier change
func (m *Metrics) RecordTierChange(from, to string) {
	m.TierChanges.WithLabelValues(from, to).Inc()
}

// RecordAlert records a limit notification attempt
func (m *Metrics) RecordAlert(channel, status string) {
	m.AlertsSent.WithLabelValues(channel, status).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.ConfigReloads.WithLabelValues(status).Inc()
}
