// Package smtpfront implements the local SMTP submission endpoint of the
// bridge. Local mail clients authenticate with their bridge password over
// STARTTLS; accepted messages are relayed to the upstream backend with the
// account's real credential.
package smtpfront

import (
	"log/slog"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/logging"
	"github.com/heilerich/probridge/internal/metrics"
	"github.com/heilerich/probridge/internal/remote"
)

// Backend implements the go-smtp Backend interface.
// It creates new sessions for each connection.
type Backend struct {
	hostname        string
	manager         *bridge.Manager
	remote          *remote.Adapter
	collector       metrics.Collector
	maxRecipients   int
	maxAuthFailures int
	logger          *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Hostname        string
	Manager         *bridge.Manager
	Remote          *remote.Adapter
	Collector       metrics.Collector
	MaxRecipients   int
	MaxAuthFailures int
	Logger          *slog.Logger
}

// NewBackend creates a new Backend with the given configuration.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	maxAuthFailures := cfg.MaxAuthFailures
	if maxAuthFailures <= 0 {
		maxAuthFailures = 3
	}

	return &Backend{
		hostname:        cfg.Hostname,
		manager:         cfg.Manager,
		remote:          cfg.Remote,
		collector:       collector,
		maxRecipients:   cfg.MaxRecipients,
		maxAuthFailures: maxAuthFailures,
		logger:          logger,
	}
}

// NewSession is called for each new connection.
// It implements the smtp.Backend interface.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.collector.ConnectionOpened("smtp")

	clientIP := extractIPFromConn(c.Conn())
	logger := logging.WithConnection(b.logger, "smtp", clientIP).
		With(slog.String("session_id", uuid.New().String()))

	return &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		logger:   logger,
	}, nil
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}

	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
