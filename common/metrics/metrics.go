package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// SagaMetrics contains metrics for the outbox processing pipeline
type SagaMetrics struct {
	EventsClaimed       prometheus.Counter
	EventsProcessed     *prometheus.CounterVec
	SagaDuration        prometheus.Histogram
	RetriesScheduled    prometheus.Counter
	CompensationsTotal  prometheus.Counter
	CompensationFailed  *prometheus.CounterVec
	ManualRefundsNeeded prometheus.Counter
	OutboxPending       prometheus.Gauge
}

// ClientMetrics contains metrics for outbound calls to the leaf services
type ClientMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewSagaMetrics creates outbox pipeline metrics for a service
func NewSagaMetrics(serviceName string) *SagaMetrics {
	return &SagaMetrics{
		EventsClaimed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_events_claimed_total",
				Help: "Total number of outbox events leased for processing",
			},
		),
		EventsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_events_processed_total",
				Help: "Total number of processed outbox events by outcome",
			},
			[]string{"outcome"},
		),
		SagaDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_saga_duration_seconds",
				Help:    "Duration of a single saga invocation in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RetriesScheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_outbox_retries_scheduled_total",
				Help: "Total number of retries scheduled for outbox events",
			},
		),
		CompensationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_compensations_total",
				Help: "Total number of compensation passes executed",
			},
		),
		CompensationFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_compensation_step_failures_total",
				Help: "Total number of failed compensation steps by step name",
			},
			[]string{"step"},
		),
		ManualRefundsNeeded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_manual_refunds_needed_total",
				Help: "Captured payments that require a manual refund",
			},
		),
		OutboxPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_outbox_pending_events",
				Help: "Number of outbox events currently pending",
			},
		),
	}
}

// NewClientMetrics creates outbound request metrics for a service
func NewClientMetrics(serviceName string) *ClientMetrics {
	return &ClientMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_client_requests_total",
				Help: "Total number of outbound requests to leaf services",
			},
			[]string{"service", "operation", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_client_request_duration_seconds",
				Help:    "Outbound request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOutcome records the outcome of one processed outbox event
func (m *SagaMetrics) RecordOutcome(outcome string, duration time.Duration) {
	m.EventsProcessed.WithLabelValues(outcome).Inc()
	m.SagaDuration.Observe(duration.Seconds())
}

// RecordClientRequest records one outbound request to a leaf service
func (m *ClientMetrics) RecordClientRequest(service, operation, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, operation, status).Inc()
	m.RequestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}
