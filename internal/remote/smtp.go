package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SubmitMessage relays a message to the upstream SMTP submission endpoint,
// authenticated with the account's upstream credential. SMTP status errors
// from the upstream pass through as *smtp.SMTPError so the front end can
// relay the status to the local client.
func (a *Adapter) SubmitMessage(ctx context.Context, account Account, from string, recipients []string, r io.Reader) error {
	client, err := a.dialSMTP(ctx)
	if err != nil {
		a.metrics.UpstreamCall("submit", "error")
		return err
	}
	defer client.Close()

	if err := client.Auth(sasl.NewPlainClient("", account.Username, account.Secret)); err != nil {
		a.metrics.UpstreamCall("submit", "rejected")
		return classifySubmit(err)
	}

	if err := client.Mail(from, nil); err != nil {
		a.metrics.UpstreamCall("submit", "error")
		return classifySubmit(err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			a.metrics.UpstreamCall("submit", "error")
			return classifySubmit(err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		a.metrics.UpstreamCall("submit", "error")
		return classifySubmit(err)
	}
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		a.metrics.UpstreamCall("submit", "error")
		return classifySubmit(err)
	}
	if err := wc.Close(); err != nil {
		a.metrics.UpstreamCall("submit", "error")
		return classifySubmit(err)
	}

	a.metrics.UpstreamCall("submit", "ok")
	a.logger.Info("message submitted upstream", "account", account.Address, "recipients", len(recipients))
	return client.Quit()
}

// dialSMTP connects to the upstream submission endpoint over STARTTLS.
func (a *Adapter) dialSMTP(ctx context.Context) (*smtp.Client, error) {
	tlsConfig := a.cfg.TLSConfig
	if tlsConfig == nil {
		host, _, _ := net.SplitHostPort(a.cfg.SMTPAddress)
		tlsConfig = &tls.Config{ServerName: host}
	}

	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.cfg.SMTPAddress)
	if err != nil {
		return nil, classifyDial(err)
	}

	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		conn.Close()
		return nil, classifyDial(err)
	}
	client.CommandTimeout = a.cfg.OpTimeout
	client.SubmissionTimeout = a.cfg.OpTimeout
	return client, nil
}

// classifySubmit maps a submission failure onto the error taxonomy. SMTP
// status errors are preserved for the front end to translate.
func classifySubmit(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
