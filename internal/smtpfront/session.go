package smtpfront

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/creds"
	"github.com/heilerich/probridge/internal/remote"
)

// Session implements the go-smtp Session interface.
// It also implements AuthSession for AUTH support.
type Session struct {
	backend      *Backend
	conn         *smtp.Conn
	clientIP     string
	from         string
	recipients   []string
	account      creds.Entry
	authed       bool
	tlsSeen      bool
	authFailures int
	unregister   func()
	logger       *slog.Logger
}

// AuthMechanisms returns the available authentication mechanisms.
// Implements smtp.AuthSession interface. Plaintext credentials are only
// accepted once the connection is secured.
func (s *Session) AuthMechanisms() []string {
	if _, isTLS := s.conn.TLSConnectionState(); !isTLS {
		return nil
	}
	if !s.tlsSeen {
		s.tlsSeen = true
		s.backend.collector.TLSConnectionEstablished("smtp")
	}
	return []string{sasl.Plain}
}

// Auth handles authentication.
// Implements smtp.AuthSession interface.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			ctx := context.Background()

			entry, err := s.backend.manager.Authenticate(ctx, username, password)
			if err != nil {
				s.backend.collector.AuthAttempt("smtp", false)
				s.authFailures++

				s.logger.Debug("authentication failed",
					slog.String("username", username),
					slog.Int("failures", s.authFailures),
					slog.String("error", err.Error()))

				if s.authFailures >= s.backend.maxAuthFailures {
					s.logger.Warn("closing connection after repeated auth failures",
						slog.String("username", username))
					s.conn.Close()
				}

				if errors.Is(err, bridge.ErrInvalidCredentials) || errors.Is(err, bridge.ErrAccountNotActive) {
					return &smtp.SMTPError{
						Code:         535,
						EnhancedCode: smtp.EnhancedCode{5, 7, 8},
						Message:      "Authentication credentials invalid",
					}
				}

				return &smtp.SMTPError{
					Code:         454,
					EnhancedCode: smtp.EnhancedCode{4, 7, 0},
					Message:      "Temporary authentication failure",
				}
			}

			// The account may have been logged out between the password
			// check and now; registration fails in that case and the
			// session must not come up authenticated.
			unregister, err := s.backend.manager.RegisterSession(entry.Address, s.conn.Conn())
			if err != nil {
				s.backend.collector.AuthAttempt("smtp", false)
				s.logger.Debug("session registration failed",
					slog.String("username", username),
					slog.String("error", err.Error()))
				return &smtp.SMTPError{
					Code:         535,
					EnhancedCode: smtp.EnhancedCode{5, 7, 8},
					Message:      "Authentication credentials invalid",
				}
			}

			s.account = entry
			s.authed = true
			s.authFailures = 0
			s.unregister = unregister
			s.backend.collector.AuthAttempt("smtp", true)

			s.logger.Debug("authentication successful", slog.String("username", username))
			s.logger = s.logger.With(slog.String("account", entry.Address))
			return nil
		}), nil

	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

// Mail handles the MAIL FROM command.
// Implements smtp.Session interface.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if !s.authed {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command.
// Implements smtp.Session interface.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	s.recipients = append(s.recipients, to)
	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// Data handles the DATA command and relays the message upstream.
// Implements smtp.Session interface.
func (s *Session) Data(r io.Reader) error {
	ctx := context.Background()

	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.Debug("failed to read message data", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	account := remote.Account{
		Address:  s.account.Address,
		Username: s.account.RemoteUsername,
		Secret:   s.account.RemoteSecret,
	}
	err = s.backend.remote.SubmitMessage(ctx, account, s.from, s.recipients, bytes.NewReader(data))
	if err != nil {
		return s.mapSubmitError(err)
	}

	s.backend.collector.MessageSubmitted(int64(len(data)))
	s.logger.Info("message relayed",
		slog.String("message_id", messageID(data)),
		slog.Int("size", len(data)),
		slog.Int("recipients", len(s.recipients)))
	return nil
}

// mapSubmitError translates an upstream submission failure into the SMTP
// status reported to the local client. Status errors from the upstream
// pass through unchanged.
func (s *Session) mapSubmitError(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		s.backend.collector.SubmissionRejected("upstream_status")
		s.logger.Warn("upstream rejected message",
			slog.Int("code", smtpErr.Code),
			slog.String("message", smtpErr.Message))
		return smtpErr
	}

	if errors.Is(err, remote.ErrUpstreamTimeout) || errors.Is(err, remote.ErrUpstreamUnavailable) {
		s.backend.collector.SubmissionRejected("upstream_unreachable")
		s.logger.Error("upstream unreachable", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 1},
			Message:      "Upstream server unavailable, try again later",
		}
	}

	s.backend.collector.SubmissionRejected("internal")
	s.logger.Error("message relay failed", slog.String("error", err.Error()))
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Local processing error",
	}
}

// messageID extracts the Message-ID header for logging. Best effort.
func messageID(data []byte) string {
	m, err := message.Read(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return m.Header.Get("Message-Id")
}

// Reset clears the transaction state.
// Implements smtp.Session interface.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the connection ends.
// Implements smtp.Session interface.
func (s *Session) Logout() error {
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
	s.backend.collector.ConnectionClosed("smtp")
	return nil
}
