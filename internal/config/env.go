package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden
// by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("PROBRIDGE_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("PROBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROBRIDGE_SMTP_LISTEN"); v != "" {
		cfg.SMTP.Address = v
	}
	if v := os.Getenv("PROBRIDGE_IMAP_LISTEN"); v != "" {
		cfg.IMAP.Address = v
	}
	if v := os.Getenv("PROBRIDGE_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("PROBRIDGE_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("PROBRIDGE_UPSTREAM_IMAP"); v != "" {
		cfg.Upstream.IMAPAddress = v
	}
	if v := os.Getenv("PROBRIDGE_UPSTREAM_SMTP"); v != "" {
		cfg.Upstream.SMTPAddress = v
	}
	if v := os.Getenv("PROBRIDGE_CACHE_DIR"); v != "" {
		cfg.Data.CacheDir = v
	}
	if v := os.Getenv("PROBRIDGE_KEYRING_DIR"); v != "" {
		cfg.Data.KeyringDir = v
	}

	return cfg
}
