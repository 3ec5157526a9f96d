package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heilerich/probridge/internal/bridge"
	"github.com/heilerich/probridge/internal/cache"
	"github.com/heilerich/probridge/internal/config"
	"github.com/heilerich/probridge/internal/creds"
	"github.com/heilerich/probridge/internal/imapfront"
	"github.com/heilerich/probridge/internal/logging"
	"github.com/heilerich/probridge/internal/metrics"
	"github.com/heilerich/probridge/internal/remote"
	"github.com/heilerich/probridge/internal/smtpfront"
)

// upstreamVerifier checks a login attempt against the upstream backend.
// A rejected credential is reported as the account manager's invalid
// credentials error; transport failures pass through unchanged.
type upstreamVerifier struct {
	adapter *remote.Adapter
}

func (v upstreamVerifier) VerifyLogin(ctx context.Context, username, credential string) error {
	err := v.adapter.VerifyLogin(ctx, username, credential)
	if errors.Is(err, remote.ErrAuthRejected) {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidCredentials, err)
	}
	return err
}

func runServe() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	go func() {
		if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("metrics server error", "error", err)
		}
	}()

	store, err := creds.Open(cfg.Data.KeyringDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening credential store: %v\n", err)
		os.Exit(1)
	}

	c, err := cache.New(cfg.Data.CacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening cache: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	tlsConfig, err := localTLSConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error preparing TLS: %v\n", err)
		os.Exit(1)
	}

	adapter := remote.New(remote.Config{
		IMAPAddress:  cfg.Upstream.IMAPAddress,
		SMTPAddress:  cfg.Upstream.SMTPAddress,
		IMAPStartTLS: cfg.Upstream.IMAPStartTLS,
		DialTimeout:  cfg.Upstream.DialTimeoutDuration(),
		OpTimeout:    cfg.Upstream.OpTimeoutDuration(),
	}, c, collector, logger)

	manager := bridge.NewManager(store, c, upstreamVerifier{adapter}, collector, logger)
	if err := manager.Restore(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error restoring accounts: %v\n", err)
		os.Exit(1)
	}

	smtpServer, err := smtpfront.NewServer(smtpfront.ServerConfig{
		Backend: smtpfront.NewBackend(smtpfront.BackendConfig{
			Hostname:        cfg.Hostname,
			Manager:         manager,
			Remote:          adapter,
			Collector:       collector,
			MaxRecipients:   100,
			MaxAuthFailures: cfg.Limits.MaxAuthFailures,
			Logger:          logger,
		}),
		Address:        cfg.SMTP.Address,
		Hostname:       cfg.Hostname,
		TLSConfig:      tlsConfig,
		ReadTimeout:    10 * time.Minute,
		WriteTimeout:   10 * time.Minute,
		MaxMessageSize: int64(cfg.Limits.MaxMessageSize),
		MaxRecipients:  100,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating SMTP server: %v\n", err)
		os.Exit(1)
	}

	imapServer, err := imapfront.NewServer(imapfront.ServerConfig{
		Backend: imapfront.NewBackend(imapfront.BackendConfig{
			Manager:         manager,
			Remote:          adapter,
			Collector:       collector,
			MaxAuthFailures: cfg.Limits.MaxAuthFailures,
			Logger:          logger,
		}),
		Address:   cfg.IMAP.Address,
		TLSConfig: tlsConfig,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating IMAP server: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting probridge",
		"hostname", cfg.Hostname,
		"smtp", cfg.SMTP.Address,
		"imap", cfg.IMAP.Address,
		"upstream_imap", cfg.Upstream.IMAPAddress,
		"upstream_smtp", cfg.Upstream.SMTPAddress)

	errChan := make(chan error, 2)
	go func() { errChan <- smtpServer.Run(ctx) }()
	go func() { errChan <- imapServer.Run(ctx) }()

	if flags.CLI {
		sh := newShell(shellConfig{
			Manager:  manager,
			Upstream: adapter,
			In:       os.Stdin,
			Out:      os.Stdout,
		})
		go func() {
			sh.run(ctx)
			cancel()
		}()
	}

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			cancel()
			os.Exit(1)
		}
	}
}
