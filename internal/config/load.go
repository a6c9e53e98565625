package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables overriding the file.
const EnvPrefix = "MITM_"

// Load returns the defaults overridden by the YAML file at path (if not empty) and then by the environment.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides overrides cfg with the MITM_SECTION_FIELD variables found by lookup.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("PROXY_HOSTNAME", &cfg.Proxy.Hostname)
	num("PROXY_PORT", &cfg.Proxy.Port)
	num("PROXY_BACKLOG", &cfg.Proxy.Backlog)
	duration("PROXY_SERVER_TIMEOUT", &cfg.Proxy.ServerTimeout)
	duration("PROXY_READ_HEADER_TIMEOUT", &cfg.Proxy.ReadHeaderTimeout)

	str("CERTS_DIR", &cfg.Certs.Dir)
	str("CERTS_CA_CERT", &cfg.Certs.CACert)
	str("CERTS_CA_KEY", &cfg.Certs.CAKey)
	str("CERTS_SIGNER", &cfg.Certs.Signer)
	str("CERTS_OPENSSL_PATH", &cfg.Certs.OpenSSLPath)
	num("CERTS_KEY_BITS", &cfg.Certs.KeyBits)
	num("CERTS_VALIDITY_DAYS", &cfg.Certs.ValidityDays)

	str("LOGGING_LEVEL", &cfg.Logging.Level)
	str("LOGGING_FORMAT", &cfg.Logging.Format)

	str("METRICS_ADDRESS", &cfg.Metrics.Address)

	return errors.Join(errs...)
}
