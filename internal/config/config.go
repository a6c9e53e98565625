// Package config loads the configuration of the mitm-proxy binary.
//
// Values are resolved in this order, later ones winning: defaults, the YAML
// file, MITM_* environment variables and finally command line flags.
package config

import (
	"time"
)

type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Certs   CertsConfig   `yaml:"certs"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type ProxyConfig struct {
	// Hostname is the address every listener binds to. Empty means all interfaces.
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	// Backlog bounds the connections served at once by the plaintext listener. 0 means no bound.
	Backlog int `yaml:"backlog"`
	// ServerTimeout is the inactivity window of a secure listener. 0 disables the eviction.
	ServerTimeout     time.Duration `yaml:"server_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type CertsConfig struct {
	Dir    string `yaml:"dir"`
	CACert string `yaml:"ca_cert"`
	CAKey  string `yaml:"ca_key"`

	// Signer is either "openssl" or "x509".
	Signer       string `yaml:"signer"`
	OpenSSLPath  string `yaml:"openssl_path"`
	KeyBits      int    `yaml:"key_bits"`
	ValidityDays int    `yaml:"validity_days"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is either "text" or "json".
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Address serves /metrics and /ca.pem. Empty disables the endpoint.
	Address string `yaml:"address"`
}

const (
	SignerOpenSSL = "openssl"
	SignerX509    = "x509"

	FormatText = "text"
	FormatJSON = "json"
)
