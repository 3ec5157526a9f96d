package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal   *prometheus.CounterVec
	connectionsActive  *prometheus.GaugeVec
	tlsConnectionTotal *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Submission metrics
	messagesSubmittedTotal prometheus.Counter
	messagesSizeBytes      prometheus.Histogram
	submissionsRejected    *prometheus.CounterVec

	// Upstream metrics
	upstreamCallsTotal   *prometheus.CounterVec
	upstreamRetriesTotal *prometheus.CounterVec

	// Account metrics
	activeAccounts prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_connections_total",
			Help: "Total number of local client connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "probridge_connections_active",
			Help: "Number of currently active local client connections.",
		}, []string{"protocol"}),
		tlsConnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_tls_connections_total",
			Help: "Total number of STARTTLS upgrades completed.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_auth_attempts_total",
			Help: "Total number of bridge password authentication attempts.",
		}, []string{"protocol", "result"}),

		messagesSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probridge_messages_submitted_total",
			Help: "Total number of messages accepted for upstream submission.",
		}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "probridge_messages_size_bytes",
			Help:    "Size of submitted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),
		submissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_submissions_rejected_total",
			Help: "Total number of submissions rejected.",
		}, []string{"reason"}),

		upstreamCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_upstream_calls_total",
			Help: "Total number of upstream adapter calls.",
		}, []string{"op", "result"}),
		upstreamRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "probridge_upstream_retries_total",
			Help: "Total number of upstream call retries.",
		}, []string{"op"}),

		activeAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probridge_active_accounts",
			Help: "Number of accounts currently in the active state.",
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.messagesSubmittedTotal,
		c.messagesSizeBytes,
		c.submissionsRejected,
		c.upstreamCallsTotal,
		c.upstreamRetriesTotal,
		c.activeAccounts,
	)

	return c
}

// ConnectionOpened records that a local connection was opened.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records that a local connection was closed.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// TLSConnectionEstablished records a completed STARTTLS upgrade.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionTotal.WithLabelValues(protocol).Inc()
}

// AuthAttempt records a bridge password authentication attempt.
func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

// MessageSubmitted records a message accepted for upstream submission.
func (c *PrometheusCollector) MessageSubmitted(sizeBytes int64) {
	c.messagesSubmittedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// SubmissionRejected records a rejected submission.
func (c *PrometheusCollector) SubmissionRejected(reason string) {
	c.submissionsRejected.WithLabelValues(reason).Inc()
}

// UpstreamCall records an upstream adapter call and its result.
func (c *PrometheusCollector) UpstreamCall(op string, result string) {
	c.upstreamCallsTotal.WithLabelValues(op, result).Inc()
}

// UpstreamRetry records a retried upstream call.
func (c *PrometheusCollector) UpstreamRetry(op string) {
	c.upstreamRetriesTotal.WithLabelValues(op).Inc()
}

// ActiveAccounts records the current number of active accounts.
func (c *PrometheusCollector) ActiveAccounts(count int) {
	c.activeAccounts.Set(float64(count))
}
