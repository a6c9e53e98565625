package config

import (
	"github.com/homuler/mitm-proxy-go"
)

const (
	DefaultPort    = 8080
	DefaultCertDir = "certs"
)

// Default returns the configuration used when nothing is specified.
// Files and environment variables are decoded over it, so fields they omit keep these values.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:          DefaultPort,
			ServerTimeout: mitm.DefaultServerTimeout,
		},
		Certs: CertsConfig{
			Dir:          DefaultCertDir,
			Signer:       SignerOpenSSL,
			KeyBits:      mitm.DefaultKeyBits,
			ValidityDays: mitm.DefaultValidityDays,
		},
		Logging: LoggingConfig{
			Level:  mitm.LevelInfo.String(),
			Format: FormatText,
		},
	}
}
