// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// DefaultServerTimeout is the default inactivity window of a secure listener.
const DefaultServerTimeout = 60 * time.Second

// certificateSource is satisfied by *CertificateStore.
type certificateSource interface {
	GetCertificate(ctx context.Context, hostname string) (*CertificateRecord, error)
}

// SecureListener is a TLS-terminating listener serving a single hostname.
type SecureListener struct {
	hostname string
	listener *idleListener
	server   *http.Server
	port     int

	releaseOnce sync.Once
	release     func()
}

// Hostname returns the hostname the listener presents a certificate for.
func (l *SecureListener) Hostname() string { return l.hostname }

// Port returns the local port the listener is bound to.
func (l *SecureListener) Port() int { return l.port }

func (l *SecureListener) Addr() net.Addr { return l.listener.Addr() }

// Secure always reports true; the listener terminates TLS.
func (l *SecureListener) Secure() bool { return true }

// Done returns a channel that is closed once the listener stops accepting connections.
func (l *SecureListener) Done() <-chan struct{} { return l.listener.Done() }

// Close stops the listener and closes every connection it has accepted.
func (l *SecureListener) Close() error {
	l.releaseOnce.Do(l.release)
	err := l.listener.Close()
	return errors.Join(err, l.server.Close())
}

// shutdown stops accepting connections and lets the active ones finish.
func (l *SecureListener) shutdown() {
	l.releaseOnce.Do(l.release)
	_ = l.listener.Close()
	_ = l.server.Shutdown(context.Background())
}

type registryEntry struct {
	ready    chan struct{} // closed when listener or err is set
	listener *SecureListener
	err      error
}

// SecureServerRegistry creates, tracks and idle-evicts per-hostname secure listeners.
type SecureServerRegistry struct {
	certs       certificateSource
	bindHost    string
	idleTimeout time.Duration
	newServer   func(hostname string) *http.Server

	events  *emitter
	metrics *Metrics

	mu        sync.Mutex // protects following fields
	listeners map[string]*registryEntry
	closed    bool
}

type registryConfig struct {
	certs       certificateSource
	bindHost    string
	idleTimeout time.Duration
	newServer   func(hostname string) *http.Server
	events      *emitter
	metrics     *Metrics
}

func newSecureServerRegistry(config registryConfig) *SecureServerRegistry {
	metrics := config.metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &SecureServerRegistry{
		certs:       config.certs,
		bindHost:    config.bindHost,
		idleTimeout: config.idleTimeout,
		newServer:   config.newServer,
		events:      config.events,
		metrics:     metrics,
		listeners:   make(map[string]*registryEntry),
	}
}

// GetSecureListener returns the listener for hostname, creating it if needed.
// Concurrent callers for the same hostname share a single creation.
func (r *SecureServerRegistry) GetSecureListener(ctx context.Context, hostname string) (*SecureListener, error) {
	r.events.logf(LevelDebug, "retrieving secure server for %s", hostname)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrServerClosed
	}
	if entry, ok := r.listeners[hostname]; ok {
		r.mu.Unlock()
		select {
		case <-entry.ready:
			return entry.listener, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry := &registryEntry{ready: make(chan struct{})}
	r.listeners[hostname] = entry
	r.mu.Unlock()

	// the creation is shared, so it must not be cancelled by this caller.
	l, err := r.create(context.WithoutCancel(ctx), hostname, entry)

	r.mu.Lock()
	if err == nil && r.closed {
		err = ErrServerClosed
		defer l.Close()
	}
	if err != nil && r.listeners[hostname] == entry {
		delete(r.listeners, hostname)
	}
	r.mu.Unlock()

	if err != nil {
		entry.err = err
	} else {
		entry.listener = l
	}
	close(entry.ready)

	return entry.listener, entry.err
}

// Lookup returns the active listener for hostname, if any.
func (r *SecureServerRegistry) Lookup(hostname string) (*SecureListener, bool) {
	r.mu.Lock()
	entry, ok := r.listeners[hostname]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-entry.ready:
		return entry.listener, entry.listener != nil
	default:
		return nil, false
	}
}

// Len returns the number of registered hostnames, including those being created.
func (r *SecureServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.listeners)
}

// Close closes every listener. Later calls to GetSecureListener fail with ErrServerClosed.
func (r *SecureServerRegistry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.listeners
	r.listeners = make(map[string]*registryEntry)
	r.mu.Unlock()

	var err error
	for _, entry := range entries {
		<-entry.ready
		if entry.listener != nil {
			err = errors.Join(err, entry.listener.Close())
		}
	}
	return err
}

func (r *SecureServerRegistry) create(ctx context.Context, hostname string, entry *registryEntry) (*SecureListener, error) {
	r.events.logf(LevelInfo, "creating new secure server for %s", hostname)

	record, err := r.certs.GetCertificate(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrCertificate, hostname, err)
	}
	cert, err := record.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrCertificate, hostname, err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(r.bindHost, "0"))
	if err != nil {
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrListenBind, hostname, err)
	}

	srv := r.newServer(hostname)
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		ln.Close()
		return nil, fmt.Errorf("%w (hostname=%v): %w", ErrListenBind, hostname, err)
	}

	l := &SecureListener{
		hostname: hostname,
		server:   srv,
		port:     ln.Addr().(*net.TCPAddr).Port,
		release:  r.metrics.SecureListeners.Dec,
	}
	r.metrics.SecureListeners.Inc()
	l.listener = newIdleListener(ln, r.idleTimeout, func() { r.evict(hostname, entry, l) })

	go func() {
		err := srv.ServeTLS(l.listener, "", "")
		select {
		case <-l.listener.Done():
			// closed by the watchdog or the registry
		default:
			if !errors.Is(err, http.ErrServerClosed) {
				r.events.error(fmt.Errorf("secure server for %s stopped: %w", hostname, err))
			}
		}
	}()

	r.events.logf(LevelDebug, "secure server for %s listening on port %d", hostname, l.port)
	return l, nil
}

// evict is called by the idle watchdog of l.
func (r *SecureServerRegistry) evict(hostname string, entry *registryEntry, l *SecureListener) {
	r.events.logf(LevelDebug, "shutting down inactive server for %s", hostname)

	r.mu.Lock()
	removed := r.listeners[hostname] == entry
	if removed {
		delete(r.listeners, hostname)
	}
	r.mu.Unlock()

	if removed {
		r.metrics.ListenerEvicted.Inc()
	}
	l.shutdown()
}
