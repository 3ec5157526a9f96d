// Package metrics provides interfaces and implementations for collecting
// bridge metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording bridge metrics.
type Collector interface {
	// Connection metrics, per local protocol ("smtp" or "imap")
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Authentication against the bridge password
	AuthAttempt(protocol string, success bool)

	// Submission through the local SMTP endpoint
	MessageSubmitted(sizeBytes int64)
	SubmissionRejected(reason string)

	// Upstream adapter calls
	// result should be "success", "timeout", "unavailable" or "error"
	UpstreamCall(op string, result string)
	UpstreamRetry(op string)

	// Account lifecycle
	ActiveAccounts(n int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
