package imapfront

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
)

// Server wraps the go-imap server for the local mailbox listener.
type Server struct {
	server *imapserver.Server
	addr   string
	logger *slog.Logger
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	Backend   *Backend
	Address   string
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// NewServer creates the local IMAP server. STARTTLS is mandatory: LOGIN
// is never accepted on a plaintext connection.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("listener %s: TLS configuration required", cfg.Address)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := imapserver.New(&imapserver.Options{
		NewSession: cfg.Backend.NewSession,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIdle:      {},
			imap.CapMove:      {},
			imap.CapUIDPlus:   {},
		},
		TLSConfig:    cfg.TLSConfig,
		InsecureAuth: false,
		Logger:       &serverLogger{logger},
	})

	return &Server{server: s, addr: cfg.Address, logger: logger}, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting IMAP listener", slog.String("address", s.addr))
		if err := s.server.ListenAndServe(s.addr); err != nil {
			errChan <- fmt.Errorf("server %s: %w", s.addr, err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down IMAP listener")

	if err := s.server.Close(); err != nil {
		s.logger.Error("error shutting down server", slog.String("error", err.Error()))
	}

	return ctx.Err()
}

// serverLogger adapts slog to the Printf interface the IMAP server logs
// protocol errors through.
type serverLogger struct {
	logger *slog.Logger
}

func (l *serverLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
