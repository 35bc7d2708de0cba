// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces. Constructors fall back to no-op implementations when
// the global registry has not been initialized.
package prometheus

import (
	"time"

	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics is the Prometheus implementation of metrics.ServerMetrics.
type serverMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	acceptErrors           prometheus.Counter
}

// NewServerMetrics creates a Prometheus-backed metrics.ServerMetrics.
func NewServerMetrics() metrics.ServerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopServerMetrics()
	}

	reg := metrics.GetRegistry()

	return &serverMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittovcs_requests_total",
				Help: "Total number of smart requests by verb, retry class and outcome",
			},
			[]string{"verb", "retry_class", "outcome"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittovcs_request_duration_seconds",
				Help: "Duration of smart requests in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1,     // 1s
					10,    // 10s
					60,    // 1m
				},
			},
			[]string{"verb"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittovcs_requests_in_flight",
				Help: "Current number of smart requests being processed",
			},
			[]string{"verb"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittovcs_body_bytes_total",
				Help: "Total request and response body bytes",
			},
			[]string{"direction"}, // in or out
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittovcs_active_connections",
				Help: "Current number of active client connections",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittovcs_connections_accepted_total",
				Help: "Total number of client connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittovcs_connections_closed_total",
				Help: "Total number of client connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittovcs_connections_force_closed_total",
				Help: "Total number of connections force-closed after the graceful shutdown deadline",
			},
		),
		acceptErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittovcs_accept_errors_total",
				Help: "Total number of non-benign accept errors",
			},
		),
	}
}

func (m *serverMetrics) RecordRequest(verb, retryClass string, duration time.Duration, outcome string) {
	m.requestsTotal.WithLabelValues(verb, retryClass, outcome).Inc()
	m.requestDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

func (m *serverMetrics) RecordRequestStart(verb string) {
	m.requestsInFlight.WithLabelValues(verb).Inc()
}

func (m *serverMetrics) RecordRequestEnd(verb string) {
	m.requestsInFlight.WithLabelValues(verb).Dec()
}

func (m *serverMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *serverMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *serverMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *serverMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *serverMetrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}
