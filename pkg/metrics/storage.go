package metrics

import "time"

// StorageMetrics observes calls made by a remote storage backend (S3).
type StorageMetrics interface {
	// ObserveOperation records one backend call and its outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records payload bytes moved by operation.
	RecordBytes(operation string, bytes int64)
}

// NewNoopStorageMetrics returns a StorageMetrics that records nothing.
func NewNoopStorageMetrics() StorageMetrics {
	return noopStorageMetrics{}
}

type noopStorageMetrics struct{}

func (noopStorageMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopStorageMetrics) RecordBytes(string, int64)                     {}
