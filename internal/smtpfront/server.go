package smtpfront

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// Server wraps the go-smtp server for the local submission listener.
type Server struct {
	server *gosmtp.Server
	logger *slog.Logger
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	Backend        *Backend
	Address        string
	Hostname       string
	TLSConfig      *tls.Config
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxRecipients  int
	Logger         *slog.Logger
}

// NewServer creates the local submission server. STARTTLS is mandatory:
// AUTH is never offered on a plaintext connection.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLSConfig == nil {
		return nil, fmt.Errorf("listener %s: TLS configuration required", cfg.Address)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := gosmtp.NewServer(cfg.Backend)
	s.Addr = cfg.Address
	s.Domain = cfg.Hostname
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageSize
	s.MaxRecipients = cfg.MaxRecipients
	s.EnableSMTPUTF8 = true
	s.TLSConfig = cfg.TLSConfig
	s.AllowInsecureAuth = false

	return &Server{server: s, logger: logger}, nil
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting SMTP listener", slog.String("address", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil {
			errChan <- fmt.Errorf("server %s: %w", s.server.Addr, err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SMTP listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error shutting down server", slog.String("error", err.Error()))
	}

	return ctx.Err()
}
