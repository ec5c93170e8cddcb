// Package observability provides Prometheus metrics for Punk Records.
//
// All metrics share the punk_records_ prefix and are registered on a
// dedicated registry so tests can create isolated instances.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	// Metrics holds all Prometheus collectors for the service.
	Metrics struct {
		registry *prometheus.Registry

		httpRequestsTotal   *prometheus.CounterVec
		httpRequestDuration *prometheus.HistogramVec

		kafkaProducedTotal *prometheus.CounterVec
		kafkaConsumedTotal *prometheus.CounterVec
	}
)

// Consumed event results recorded against the kafka consumed-events counter.
const (
	ResultMalformed       = "malformed"
	ResultPersisted       = "persisted"
	ResultDuplicate       = "duplicate"
	ResultPersistError    = "persist_error"
	ResultProjected       = "projected"
	ResultProjectionError = "projection_error"
)

// Produced event results recorded against the kafka produced-events counter.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// NewMetrics creates a Metrics instance backed by a fresh registry with Go
// runtime and process collectors pre-registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "punk_records_http_requests_total",
				Help: "Total number of HTTP requests processed, by method, path and status code.",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "punk_records_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds, by method and path.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		kafkaProducedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "punk_records_kafka_produced_events_total",
				Help: "Total number of events published to the backbone, by topic and result.",
			},
			[]string{"topic", "result"},
		),

		kafkaConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "punk_records_kafka_consumed_events_total",
				Help: "Total number of events consumed from the backbone, by topic and result.",
			},
			[]string{"topic", "result"},
		),
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.kafkaProducedTotal,
		m.kafkaConsumedTotal,
	)

	return m
}

// ObserveHTTPRequest records a completed HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveProducedEvent records the outcome of a publish to the backbone.
func (m *Metrics) ObserveProducedEvent(topic, result string) {
	m.kafkaProducedTotal.WithLabelValues(topic, result).Inc()
}

// ObserveConsumedEvent records the outcome of handling a consumed event.
func (m *Metrics) ObserveConsumedEvent(topic, result string) {
	m.kafkaConsumedTotal.WithLabelValues(topic, result).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the metrics in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
