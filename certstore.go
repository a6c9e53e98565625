// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

type certResult struct {
	record *CertificateRecord
	err    error
}

// waiter is a caller queued for a certificate. ticket is its arrival order within the store.
type waiter struct {
	ch     chan certResult
	ticket uint64
}

// CertificateStore issues, caches and serves per-hostname certificates.
//
// Concurrent requests for a hostname whose certificate is not cached yet are
// coalesced: a single pipeline runs and its result is handed to every waiter in
// the order they arrived. Cached records live as long as the store.
type CertificateStore struct {
	dir    string
	ca     CAFiles
	signer Signer

	events  *emitter
	metrics *Metrics
	// ctx bounds the signing pipelines, not the waiters.
	ctx context.Context

	// delivered, if set, is called right before each waiter is handed its result.
	delivered func(hostname string, ticket uint64)

	mu      sync.Mutex // protects following fields
	cache   map[string]*CertificateRecord
	pending map[string][]waiter
	tickets uint64
}

type CertificateStoreOption func(*CertificateStore)

// CertificateStoreLogSink subscribes sink to every event of the store.
func CertificateStoreLogSink(sink LogSink) CertificateStoreOption {
	return func(s *CertificateStore) {
		s.events.allSinks = append(s.events.allSinks, sink)
	}
}

// CertificateStoreMetrics specifies the collectors updated by the store.
func CertificateStoreMetrics(m *Metrics) CertificateStoreOption {
	return func(s *CertificateStore) {
		s.metrics = m
	}
}

func withStoreEmitter(e *emitter) CertificateStoreOption {
	return func(s *CertificateStore) {
		s.events = e
	}
}

func withStoreContext(ctx context.Context) CertificateStoreOption {
	return func(s *CertificateStore) {
		s.ctx = ctx
	}
}

// NewCertificateStore returns a store persisting certificates under dir, which is created if absent.
func NewCertificateStore(dir string, ca CAFiles, signer Signer, opts ...CertificateStoreOption) (*CertificateStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: certificate directory is required", ErrInvalidConfig)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFilesystem, err)
	}

	s := &CertificateStore{
		dir:     dir,
		ca:      ca,
		signer:  signer,
		events:  newEmitter(),
		ctx:     context.Background(),
		cache:   make(map[string]*CertificateRecord),
		pending: make(map[string][]waiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s, nil
}

// Dir returns the directory the certificates are stored in.
func (s *CertificateStore) Dir() string { return s.dir }

// GetCertificate returns the certificate for hostname, generating it if needed.
//
// Cancelling ctx only stops waiting; a pipeline that has started keeps running
// and its result is cached for later callers.
func (s *CertificateStore) GetCertificate(ctx context.Context, hostname string) (*CertificateRecord, error) {
	s.events.logf(LevelDebug, "loading cert for %s", hostname)
	if err := ValidateHostname(hostname); err != nil {
		return nil, err
	}

	ch := make(chan certResult, 1)

	s.mu.Lock()
	if record, ok := s.cache[hostname]; ok {
		s.mu.Unlock()
		s.events.logf(LevelDebug, "loading cert from cache for %s", hostname)
		s.metrics.CertCacheHits.Inc()
		return record, nil
	}
	waiters, inFlight := s.pending[hostname]
	s.pending[hostname] = append(waiters, waiter{ch: ch, ticket: s.tickets})
	s.tickets++
	s.mu.Unlock()

	if inFlight {
		s.metrics.CertCoalesced.Inc()
	} else {
		go s.run(hostname)
	}

	select {
	case res := <-ch:
		return res.record, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the cached record for hostname without touching the filesystem.
func (s *CertificateStore) Cached(hostname string) (*CertificateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.cache[hostname]
	return record, ok
}

// Len returns the number of cached records.
func (s *CertificateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.cache)
}

func (s *CertificateStore) pendingLen(hostname string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters, ok := s.pending[hostname]
	return len(waiters), ok
}

// run loads the certificate and drains the queue of hostname.
func (s *CertificateStore) run(hostname string) {
	record, err := s.load(hostname)
	if err != nil {
		s.metrics.CertGenerations.WithLabelValues("error").Inc()
	} else {
		s.metrics.CertGenerations.WithLabelValues("ok").Inc()
	}

	s.mu.Lock()
	if err == nil {
		s.cache[hostname] = record
	}
	waiters := s.pending[hostname]
	delete(s.pending, hostname)
	s.mu.Unlock()

	s.events.logf(LevelDebug, "running %d callbacks waiting for cert creation for %s", len(waiters), hostname)
	// every channel is buffered, so a waiter that gave up cannot block the rest.
	for _, w := range waiters {
		if s.delivered != nil {
			s.delivered(hostname, w.ticket)
		}
		w.ch <- certResult{record: record, err: err}
	}
}

func (s *CertificateStore) load(hostname string) (*CertificateRecord, error) {
	files := newCertFiles(s.dir, hostname)

	if !fileExists(files.cert) || !fileExists(files.key) {
		s.events.logf(LevelInfo, "creating certs for %s", hostname)
		err := s.signer.Sign(s.ctx, SignRequest{
			Hostname: hostname,
			CA:       s.ca,
			KeyPath:  files.key,
			CSRPath:  files.csr,
			CertPath: files.cert,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidHostname) {
				return nil, err
			}
			return nil, fmt.Errorf("%w (hostname=%v): %w", ErrCertGeneration, hostname, err)
		}
	}

	s.events.logf(LevelDebug, "reading cert from fs for %s", hostname)
	key, err := os.ReadFile(files.key)
	if err != nil {
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrFilesystem, hostname, err)
	}
	cert, err := os.ReadFile(files.cert)
	if err != nil {
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrFilesystem, hostname, err)
	}

	return &CertificateRecord{Hostname: hostname, PrivateKey: key, Certificate: cert}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
