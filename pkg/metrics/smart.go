package metrics

import "time"

// ServerMetrics provides observability for the smart server: verb
// requests, body throughput and the connection lifecycle.
//
// Implementations must be safe for concurrent use. When metrics are
// disabled, NewNoopServerMetrics is used.
type ServerMetrics interface {
	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - verb: verb name, "unknown" for unregistered verbs
	//   - retryClass: retry class of the verb
	//   - duration: time from arguments received to response ready
	//   - outcome: "success" or the first element of the failure tuple
	RecordRequest(verb, retryClass string, duration time.Duration, outcome string)

	// RecordRequestStart increments the in-flight gauge for verb.
	RecordRequestStart(verb string)

	// RecordRequestEnd decrements the in-flight gauge for verb.
	RecordRequestEnd(verb string)

	// RecordBytesTransferred records body bytes; direction is "in" or "out".
	RecordBytesTransferred(direction string, bytes int64)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	RecordConnectionAccepted()
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed after the
	// graceful shutdown deadline.
	RecordConnectionForceClosed()

	// RecordAcceptError counts non-benign accept failures.
	RecordAcceptError()
}

// NewNoopServerMetrics returns a ServerMetrics that records nothing.
func NewNoopServerMetrics() ServerMetrics {
	return noopServerMetrics{}
}

type noopServerMetrics struct{}

func (noopServerMetrics) RecordRequest(string, string, time.Duration, string) {}
func (noopServerMetrics) RecordRequestStart(string)                           {}
func (noopServerMetrics) RecordRequestEnd(string)                             {}
func (noopServerMetrics) RecordBytesTransferred(string, int64)                {}
func (noopServerMetrics) SetActiveConnections(int32)                          {}
func (noopServerMetrics) RecordConnectionAccepted()                           {}
func (noopServerMetrics) RecordConnectionClosed()                             {}
func (noopServerMetrics) RecordConnectionForceClosed()                        {}
func (noopServerMetrics) RecordAcceptError()                                  {}
