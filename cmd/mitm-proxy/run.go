// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homuler/mitm-proxy-go"
	mitmhttp "github.com/homuler/mitm-proxy-go/http"
	"github.com/homuler/mitm-proxy-go/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func runProxy(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, mitm.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Address != "" {
		metricsSrv = newMetricsServer(cfg.Metrics.Address, cfg.Certs.CACert, reg)
		go func() {
			logger.WithField("addr", cfg.Metrics.Address).Info("serving metrics")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.WithError(err).Error("server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
			logger.WithError(serr).Warn("failed to shut down the metrics server")
		}
	}
	if serr := s.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("failed to shut down the proxy")
	}
	return err
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	if cfg.Format == config.FormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

func newSigner(cfg config.CertsConfig) mitm.Signer {
	if cfg.Signer == config.SignerX509 {
		return &mitm.X509Signer{
			KeyBits:  cfg.KeyBits,
			Validity: time.Duration(cfg.ValidityDays) * 24 * time.Hour,
		}
	}
	return &mitm.OpenSSLSigner{
		Path:         cfg.OpenSSLPath,
		KeyBits:      cfg.KeyBits,
		ValidityDays: cfg.ValidityDays,
	}
}

func newServer(cfg *config.Config, logger *logrus.Logger, reg prometheus.Registerer) (*mitm.Server, error) {
	handler := &mitmhttp.RoundTripHandler{Logger: logger}

	return mitm.New(handler,
		mitm.CertDir(cfg.Certs.Dir),
		mitm.CACert(cfg.Certs.CACert, cfg.Certs.CAKey),
		mitm.WithSigner(newSigner(cfg.Certs)),
		mitm.Hostname(cfg.Proxy.Hostname),
		mitm.Port(cfg.Proxy.Port),
		mitm.Backlog(cfg.Proxy.Backlog),
		mitm.ServerTimeout(cfg.Proxy.ServerTimeout),
		mitm.ReadHeaderTimeout(cfg.Proxy.ReadHeaderTimeout),
		mitm.OnLog(mitm.LogrusLevel(logger.GetLevel()), mitm.NewLogrusSink(logger)),
		mitm.OnUpgrade(&mitmhttp.UpgradeForwarder{Logger: logger}),
		mitm.WithRegisterer(reg),
	)
}

// newMetricsServer serves the metrics of reg and the CA certificate, which clients have to trust.
func newMetricsServer(addr, caCertPath string, reg prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ca.pem", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-pem-file")
		http.ServeFile(w, r, caCertPath)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
