package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/homuler/mitm-proxy-go"
	"github.com/homuler/mitm-proxy-go/internal/config"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath    string
	certDir       string
	caCert        string
	caKey         string
	hostname      string
	port          int
	backlog       int
	serverTimeout time.Duration
	signer        string
	logLevel      string
	logFormat     string
	metrics       string
}

type runFunc func(ctx context.Context, cfg *config.Config) error

// Execute runs the root command.
func Execute() {
	if err := newRootCommand(runProxy).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(run runFunc) *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "mitm-proxy",
		Short: "Intercepting HTTP(S) proxy",
		Long: `mitm-proxy accepts plain HTTP requests and CONNECT tunnels.

Tunnels to port 443 are terminated with a certificate issued for the requested
host by the configured CA, so the decrypted requests can be inspected before
they are forwarded to their origin.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&f.certDir, "cert-dir", config.DefaultCertDir, "directory where the issued certificates are stored")
	flags.StringVar(&f.caCert, "ca-cert", "", "CA certificate (PEM)")
	flags.StringVar(&f.caKey, "ca-key", "", "CA private key (PEM)")
	flags.StringVar(&f.hostname, "hostname", "", "address the listeners bind to (default all interfaces)")
	flags.IntVarP(&f.port, "port", "p", config.DefaultPort, "port of the plaintext listener")
	flags.IntVar(&f.backlog, "backlog", 0, "maximum number of connections served at once (0 means unlimited)")
	flags.DurationVar(&f.serverTimeout, "server-timeout", mitm.DefaultServerTimeout, "idle time after which a secure listener is closed (0 disables)")
	flags.StringVar(&f.signer, "signer", config.SignerOpenSSL, "certificate signer: openssl or x509")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level: error, warn, info or debug")
	flags.StringVar(&f.logFormat, "log-format", config.FormatText, "log format: text or json")
	flags.StringVar(&f.metrics, "metrics", "", "address serving /metrics and /ca.pem (disabled if empty)")

	return cmd
}

// resolveConfig loads the configuration and overrides it with the flags set on the command line.
func resolveConfig(cmd *cobra.Command, f *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("cert-dir") {
		cfg.Certs.Dir = f.certDir
	}
	if changed("ca-cert") {
		cfg.Certs.CACert = f.caCert
	}
	if changed("ca-key") {
		cfg.Certs.CAKey = f.caKey
	}
	if changed("signer") {
		cfg.Certs.Signer = f.signer
	}
	if changed("hostname") {
		cfg.Proxy.Hostname = f.hostname
	}
	if changed("port") {
		cfg.Proxy.Port = f.port
	}
	if changed("backlog") {
		cfg.Proxy.Backlog = f.backlog
	}
	if changed("server-timeout") {
		cfg.Proxy.ServerTimeout = f.serverTimeout
	}
	if changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
	if changed("metrics") {
		cfg.Metrics.Address = f.metrics
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
