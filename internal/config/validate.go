package config

import (
	"fmt"
	"strings"

	"github.com/homuler/mitm-proxy-go"
)

// FieldError is a validation error of one configuration field.
type FieldError struct {
	// Field is the dotted path of the field, e.g. "certs.ca_cert".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError holds every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - " + err.Error())
	}
	return sb.String()
}

// Unwrap lets errors.Is match mitm.ErrInvalidConfig.
func (e ValidationError) Unwrap() error {
	return mitm.ErrInvalidConfig
}

// Validate returns a ValidationError listing every invalid field, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Proxy.Port < 0 || cfg.Proxy.Port > 65535 {
		add("proxy.port", "must be between 0 and 65535, got %d", cfg.Proxy.Port)
	}
	if cfg.Proxy.Backlog < 0 {
		add("proxy.backlog", "must not be negative")
	}
	if cfg.Proxy.ServerTimeout < 0 {
		add("proxy.server_timeout", "must not be negative")
	}
	if cfg.Proxy.ReadHeaderTimeout < 0 {
		add("proxy.read_header_timeout", "must not be negative")
	}

	if cfg.Certs.Dir == "" {
		add("certs.dir", "is required")
	}
	if cfg.Certs.CACert == "" {
		add("certs.ca_cert", "is required")
	}
	if cfg.Certs.CAKey == "" {
		add("certs.ca_key", "is required")
	}
	switch cfg.Certs.Signer {
	case SignerOpenSSL, SignerX509:
	default:
		add("certs.signer", "must be %q or %q, got %q", SignerOpenSSL, SignerX509, cfg.Certs.Signer)
	}
	if cfg.Certs.KeyBits < 1024 {
		add("certs.key_bits", "must be at least 1024, got %d", cfg.Certs.KeyBits)
	}
	if cfg.Certs.ValidityDays <= 0 {
		add("certs.validity_days", "must be positive")
	}

	if _, err := mitm.ParseLevel(cfg.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch cfg.Logging.Format {
	case FormatText, FormatJSON:
	default:
		add("logging.format", "must be %q or %q, got %q", FormatText, FormatJSON, cfg.Logging.Format)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
