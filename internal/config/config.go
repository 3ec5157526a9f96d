// Package config provides configuration management for the mail bridge.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileConfig is the top-level wrapper for the configuration file.
type FileConfig struct {
	Bridge Config `toml:"bridge"`
}

// Config holds the complete bridge configuration.
type Config struct {
	Hostname string         `toml:"hostname"`
	LogLevel string         `toml:"log_level"`
	SMTP     ListenerConfig `toml:"smtp"`
	IMAP     ListenerConfig `toml:"imap"`
	TLS      TLSConfig      `toml:"tls"`
	Upstream UpstreamConfig `toml:"upstream"`
	Limits   LimitsConfig   `toml:"limits"`
	Data     DataConfig     `toml:"data"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// ListenerConfig defines settings for one local protocol listener.
type ListenerConfig struct {
	Address string `toml:"address"`
}

// TLSConfig holds TLS certificate and version settings for the local listeners.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// UpstreamConfig describes the remote mail backend the bridge proxies to.
type UpstreamConfig struct {
	IMAPAddress string `toml:"imap_address"`
	SMTPAddress string `toml:"smtp_address"`
	// IMAPStartTLS selects STARTTLS instead of implicit TLS for the
	// upstream IMAP connection. Implicit TLS on port 993 is the default.
	IMAPStartTLS bool   `toml:"imap_starttls"`
	DialTimeout  string `toml:"dial_timeout"`
	OpTimeout    string `toml:"op_timeout"`
}

// LimitsConfig defines resource limits for the local endpoints.
type LimitsConfig struct {
	MaxMessageSize  int `toml:"max_message_size"`
	MaxAuthFailures int `toml:"max_auth_failures"`
}

// DataConfig holds on-disk state locations.
type DataConfig struct {
	// CacheDir holds one cache database per account. An account's database
	// is deleted when the account is removed with cache wipe.
	CacheDir string `toml:"cache_dir"`
	// KeyringDir is the directory for the encrypted file keyring backend.
	KeyringDir string `toml:"keyring_dir"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		SMTP:     ListenerConfig{Address: "127.0.0.1:1025"},
		IMAP:     ListenerConfig{Address: "127.0.0.1:1143"},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Upstream: UpstreamConfig{
			IMAPAddress: "imap.example.org:993",
			SMTPAddress: "smtp.example.org:587",
			DialTimeout: "30s",
			OpTimeout:   "2m",
		},
		Limits: LimitsConfig{
			MaxMessageSize:  26214400, // 25 MB
			MaxAuthFailures: 3,
		},
		Data: DataConfig{
			CacheDir:   filepath.Join(dataDir, "cache"),
			KeyringDir: filepath.Join(dataDir, "keyring"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if c.SMTP.Address == "" {
		return errors.New("smtp listener address is required")
	}

	if c.IMAP.Address == "" {
		return errors.New("imap listener address is required")
	}

	if c.Upstream.IMAPAddress == "" {
		return errors.New("upstream imap_address is required")
	}

	if c.Upstream.SMTPAddress == "" {
		return errors.New("upstream smtp_address is required")
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxAuthFailures <= 0 {
		return errors.New("max_auth_failures must be positive")
	}

	if c.Upstream.DialTimeout != "" {
		if _, err := time.ParseDuration(c.Upstream.DialTimeout); err != nil {
			return fmt.Errorf("invalid dial timeout: %w", err)
		}
	}

	if c.Upstream.OpTimeout != "" {
		if _, err := time.ParseDuration(c.Upstream.OpTimeout); err != nil {
			return fmt.Errorf("invalid op timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Data.CacheDir == "" {
		return errors.New("cache_dir is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// DialTimeoutDuration returns the upstream dial timeout as a time.Duration.
// Returns 30 seconds if not configured or invalid.
func (c *UpstreamConfig) DialTimeoutDuration() time.Duration {
	if c.DialTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.DialTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// OpTimeoutDuration returns the per-operation upstream deadline as a
// time.Duration. Returns 2 minutes if not configured or invalid.
func (c *UpstreamConfig) OpTimeoutDuration() time.Duration {
	if c.OpTimeout == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.OpTimeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "probridge")
	}
	return "./probridge-data"
}
