package prometheus

import (
	"time"

	"github.com/marmos91/dittovcs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// storageMetrics is the Prometheus implementation of metrics.StorageMetrics.
type storageMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTransferred  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// NewStorageMetrics creates Prometheus-backed storage metrics labelled with
// the backend name (e.g. "s3").
func NewStorageMetrics(backend string) metrics.StorageMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopStorageMetrics()
	}

	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"backend": backend}

	return &storageMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittovcs_storage_operations_total",
				Help:        "Total number of storage backend operations by operation type and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "dittovcs_storage_operation_duration_seconds",
				Help:        "Duration of storage backend operations in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittovcs_storage_bytes_transferred_total",
				Help:        "Total bytes transferred by storage backend operations",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		errorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittovcs_storage_errors_total",
				Help:        "Total number of storage backend errors by operation type",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
	}
}

func (m *storageMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(operation).Inc()
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *storageMetrics) RecordBytes(operation string, bytes int64) {
	m.bytesTransferred.WithLabelValues(operation).Add(float64(bytes))
}
