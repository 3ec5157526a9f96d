// Package imapfront implements the local IMAP endpoint of the bridge.
// Local mail clients authenticate with their bridge password over
// STARTTLS; every authenticated connection is backed by a dedicated
// upstream IMAP session, with message UIDs translated through the
// account's persistent local UID mapping.
package imapfront

import (
	"log/slog"

	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/google/uuid"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/logging"
	"github.com/heilerich/probridge/internal/metrics"
	"github.com/heilerich/probridge/internal/remote"
)

// Backend creates sessions for incoming IMAP connections.
type Backend struct {
	manager         *bridge.Manager
	remote          *remote.Adapter
	collector       metrics.Collector
	maxAuthFailures int
	logger          *slog.Logger
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Manager *bridge.Manager
	Remote  *remote.Adapter

	// MaxAuthFailures is the number of failed authentication attempts
	// after which the connection is dropped. Defaults to 3.
	MaxAuthFailures int

	Collector metrics.Collector
	Logger    *slog.Logger
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
		manager:         cfg.Manager,
		remote:          cfg.Remote,
		collector:       collector,
		maxAuthFailures: maxAuthFailures,
		logger:          logger,
	}
}

// NewSession is called for each new connection.
func (b *Backend) NewSession(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
	b.collector.ConnectionOpened("imap")

	remoteAddr := ""
	if nc := conn.NetConn(); nc != nil && nc.RemoteAddr() != nil {
		remoteAddr = nc.RemoteAddr().String()
	}

	logger := logging.WithConnection(b.logger, "imap", remoteAddr).
		With(slog.String("session_id", uuid.New().String()))

	return &session{
		backend: b,
		conn:    conn,
		logger:  logger,
	}, nil, nil
}
