package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client and the emulator.
type Metrics struct {
	// ClientRequestLatency tracks database round-trips by method and status
	ClientRequestLatency *prometheus.HistogramVec
	// ClientRequestsTotal counts database calls by method and outcome
	ClientRequestsTotal *prometheus.CounterVec
	// TokenRefreshes counts token exchanges by result
	TokenRefreshes *prometheus.CounterVec
	// TokenRefreshDuration tracks token exchange latency
	TokenRefreshDuration prometheus.Histogram
	// TokenExpiry is the unix time the current token expires at
	TokenExpiry prometheus.Gauge
	// ErrorCounter counts errors by kind and method
	ErrorCounter *prometheus.CounterVec
	// RequestLatency tracks emulator HTTP latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total emulator HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current emulator HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ClientRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "client_request_latency_seconds",
				Help:      "Database request latency in seconds",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "status"},
		),
		ClientRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_requests_total",
				Help:      "Total number of database requests",
			},
			[]string{"method", "outcome"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of token refresh attempts",
			},
			[]string{"result"},
		),
		TokenRefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Token exchange latency in seconds",
				Buckets:   latencyBuckets,
			},
		),
		TokenExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "token_expiry_timestamp_seconds",
				Help:      "Unix time at which the current bearer token expires",
			},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"kind", "method"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   latencyBuckets,
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
	}

	registry.MustRegister(
		m.ClientRequestLatency,
		m.ClientRequestsTotal,
		m.TokenRefreshes,
		m.TokenRefreshDuration,
		m.TokenExpiry,
		m.ErrorCounter,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordClientRequest records one database call. Status is the HTTP status,
// or "error" when no response was received; outcome is "ok" or the error kind.
func (m *Metrics) RecordClientRequest(method, status, outcome string, d time.Duration) {
	m.ClientRequestLatency.WithLabelValues(method, status).Observe(d.Seconds())
	m.ClientRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordTokenRefresh records a token exchange attempt
func (m *Metrics) RecordTokenRefresh(success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
	m.TokenRefreshDuration.Observe(d.Seconds())
}

// SetTokenExpiry sets the expiry gauge
func (m *Metrics) SetTokenExpiry(t time.Time) {
	m.TokenExpiry.Set(float64(t.Unix()))
}

// RecordError records an error
func (m *Metrics) RecordError(kind, method string) {
	m.ErrorCounter.WithLabelValues(kind, method).Inc()
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
