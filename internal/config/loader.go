package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath   string
	Hostname     string
	LogLevel     string
	SMTPListen   string
	IMAPListen   string
	TLSCert      string
	TLSKey       string
	UpstreamIMAP string
	UpstreamSMTP string
	CacheDir     string
	CLI          bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./probridge.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "l", "", "Log level (debug, info, warn, error, panic)")
	flag.StringVar(&f.SMTPListen, "smtp-listen", "", "Local SMTP listen address")
	flag.StringVar(&f.IMAPListen, "imap-listen", "", "Local IMAP listen address")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.StringVar(&f.UpstreamIMAP, "upstream-imap", "", "Upstream IMAP address")
	flag.StringVar(&f.UpstreamSMTP, "upstream-smtp", "", "Upstream SMTP address")
	flag.StringVar(&f.CacheDir, "cache-dir", "", "Cache directory")
	flag.BoolVar(&f.CLI, "cli", false, "Run the interactive shell")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeConfig(cfg, fileConfig.Bridge)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.SMTPListen != "" {
		cfg.SMTP.Address = f.SMTPListen
	}

	if f.IMAPListen != "" {
		cfg.IMAP.Address = f.IMAPListen
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.UpstreamIMAP != "" {
		cfg.Upstream.IMAPAddress = f.UpstreamIMAP
	}

	if f.UpstreamSMTP != "" {
		cfg.Upstream.SMTPAddress = f.UpstreamSMTP
	}

	if f.CacheDir != "" {
		cfg.Data.CacheDir = f.CacheDir
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// applies environment overrides, then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	cfg = ApplyEnv(cfg)
	return ApplyFlags(cfg, f), nil
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.SMTP.Address != "" {
		dst.SMTP.Address = src.SMTP.Address
	}

	if src.IMAP.Address != "" {
		dst.IMAP.Address = src.IMAP.Address
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Upstream.IMAPAddress != "" {
		dst.Upstream.IMAPAddress = src.Upstream.IMAPAddress
	}

	if src.Upstream.SMTPAddress != "" {
		dst.Upstream.SMTPAddress = src.Upstream.SMTPAddress
	}

	if src.Upstream.IMAPStartTLS {
		dst.Upstream.IMAPStartTLS = true
	}

	if src.Upstream.DialTimeout != "" {
		dst.Upstream.DialTimeout = src.Upstream.DialTimeout
	}

	if src.Upstream.OpTimeout != "" {
		dst.Upstream.OpTimeout = src.Upstream.OpTimeout
	}

	if src.Limits.MaxMessageSize > 0 {
		dst.Limits.MaxMessageSize = src.Limits.MaxMessageSize
	}

	if src.Limits.MaxAuthFailures > 0 {
		dst.Limits.MaxAuthFailures = src.Limits.MaxAuthFailures
	}

	if src.Data.CacheDir != "" {
		dst.Data.CacheDir = src.Data.CacheDir
	}

	if src.Data.KeyringDir != "" {
		dst.Data.KeyringDir = src.Data.KeyringDir
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
