package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished(protocol string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(protocol string, success bool) {}

// MessageSubmitted is a no-op.
func (n *NoopCollector) MessageSubmitted(sizeBytes int64) {}

// SubmissionRejected is a no-op.
func (n *NoopCollector) SubmissionRejected(reason string) {}

// UpstreamCall is a no-op.
func (n *NoopCollector) UpstreamCall(op string, result string) {}

// UpstreamRetry is a no-op.
func (n *NoopCollector) UpstreamRetry(op string) {}

// ActiveAccounts is a no-op.
func (n *NoopCollector) ActiveAccounts(count int) {}
