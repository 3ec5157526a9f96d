// Package remote talks to the upstream mail backend on behalf of the
// bridge. It verifies account credentials, opens per-account IMAP sessions
// for the local IMAP front end, and submits outgoing mail over the
// upstream's SMTP submission endpoint.
//
// All operations carry a context and observe the configured operation
// timeout. Transient read failures are retried once with backoff;
// everything else surfaces to the caller mapped onto the package's error
// taxonomy.
package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/jpillora/backoff"

	"github.com/heilerich/probridge/internal/cache"
	"github.com/heilerich/probridge/internal/metrics"
)

var (
	// ErrAuthRejected is returned when the upstream backend refuses the
	// presented credential.
	ErrAuthRejected = errors.New("remote: authentication rejected by upstream")

	// ErrUpstreamTimeout is returned when an upstream operation exceeds
	// its deadline.
	ErrUpstreamTimeout = errors.New("remote: upstream timeout")

	// ErrUpstreamUnavailable is returned when the upstream backend cannot
	// be reached.
	ErrUpstreamUnavailable = errors.New("remote: upstream unavailable")

	// ErrMailboxNotFound is returned when the upstream reports the target
	// mailbox does not exist.
	ErrMailboxNotFound = errors.New("remote: mailbox not found")

	// ErrPartialMove is returned when a move emulation copied the message
	// but could not remove the source copy. The copy is recorded, so
	// retrying the move will not duplicate the message.
	ErrPartialMove = errors.New("remote: move incomplete, source copy remains")
)

// Config holds the upstream endpoints and transport settings.
type Config struct {
	IMAPAddress  string
	SMTPAddress  string
	IMAPStartTLS bool
	TLSConfig    *tls.Config
	DialTimeout  time.Duration
	OpTimeout    time.Duration
}

// Account identifies an upstream account for session establishment.
type Account struct {
	Address  string
	Username string
	Secret   string
}

// Adapter mediates all upstream access.
type Adapter struct {
	cfg     Config
	cache   *cache.Cache
	metrics metrics.Collector
	logger  *slog.Logger
}

// New returns an Adapter for the given upstream configuration.
func New(cfg Config, c *cache.Cache, collector metrics.Collector, logger *slog.Logger) *Adapter {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 2 * time.Minute
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, cache: c, metrics: collector, logger: logger}
}

// VerifyLogin checks a credential against the upstream IMAP endpoint. The
// connection is discarded afterwards.
func (a *Adapter) VerifyLogin(ctx context.Context, username, credential string) error {
	client, conn, err := a.dialIMAP(ctx)
	if err != nil {
		a.metrics.UpstreamCall("verify_login", "error")
		return err
	}
	defer client.Close()
	defer conn.SetDeadline(time.Time{})

	conn.SetDeadline(opDeadline(ctx, a.cfg.OpTimeout))
	if err := client.Login(username, credential).Wait(); err != nil {
		a.metrics.UpstreamCall("verify_login", "rejected")
		return classifyAuth(err)
	}

	a.metrics.UpstreamCall("verify_login", "ok")
	client.Logout()
	return nil
}

// CheckConnection dials the upstream IMAP endpoint and completes the TLS
// handshake without authenticating.
func (a *Adapter) CheckConnection(ctx context.Context) error {
	client, _, err := a.dialIMAP(ctx)
	if err != nil {
		a.metrics.UpstreamCall("check_connection", "error")
		return err
	}
	a.metrics.UpstreamCall("check_connection", "ok")
	return client.Close()
}

// Connect opens a dedicated IMAP session for the account, logged in with
// its upstream credential.
func (a *Adapter) Connect(ctx context.Context, account Account) (*Session, error) {
	client, conn, err := a.dialIMAP(ctx)
	if err != nil {
		a.metrics.UpstreamCall("connect", "error")
		return nil, err
	}

	conn.SetDeadline(opDeadline(ctx, a.cfg.OpTimeout))
	if err := client.Login(account.Username, account.Secret).Wait(); err != nil {
		client.Close()
		a.metrics.UpstreamCall("connect", "rejected")
		return nil, classifyAuth(err)
	}
	conn.SetDeadline(time.Time{})

	var ac *cache.AccountCache
	if a.cache != nil {
		ac, err = a.cache.Account(account.Address)
		if err != nil {
			client.Close()
			return nil, err
		}
	}

	a.metrics.UpstreamCall("connect", "ok")
	return &Session{
		adapter: a,
		account: account,
		client:  client,
		conn:    conn,
		cache:   ac,
		logger:  a.logger.With("account", account.Address),
	}, nil
}

// dialIMAP establishes the upstream IMAP transport, implicit TLS by
// default or STARTTLS when configured.
func (a *Adapter) dialIMAP(ctx context.Context) (*imapclient.Client, net.Conn, error) {
	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}

	tlsConfig := a.cfg.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(a.cfg.IMAPAddress)
		tlsConfig = &tls.Config{ServerName: host}
	}

	if a.cfg.IMAPStartTLS {
		conn, err := dialer.DialContext(ctx, "tcp", a.cfg.IMAPAddress)
		if err != nil {
			return nil, nil, classifyDial(err)
		}
		client, err := imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			conn.Close()
			return nil, nil, classifyDial(err)
		}
		return client, conn, nil
	}

	conn, err := tls.DialWithDialer(dialer, "tcp", a.cfg.IMAPAddress, tlsConfig)
	if err != nil {
		return nil, nil, classifyDial(err)
	}

	client := imapclient.New(conn, nil)
	if err := client.WaitGreeting(); err != nil {
		client.Close()
		return nil, nil, classifyDial(err)
	}
	return client, conn, nil
}

// newBackoff returns the retry policy for idempotent read operations.
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// opDeadline returns the earlier of the context deadline and now+timeout.
func opDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// classifyAuth maps an upstream login failure onto the error taxonomy.
func classifyAuth(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo {
		return fmt.Errorf("%w: %s", ErrAuthRejected, imapErr.Text)
	}
	return classifyTransport("login", err)
}

// classifyDial maps a connection failure onto the error taxonomy.
func classifyDial(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// classifyTransport maps an operation failure onto the error taxonomy.
func classifyTransport(op string, err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
			return fmt.Errorf("%w: %s", ErrMailboxNotFound, imapErr.Text)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrUpstreamTimeout, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// retryable reports whether an error is worth a single retry for an
// idempotent read.
func retryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable)
}
