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
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/netutil"
)

// Handler serves the requests intercepted by a Server.
// secure reports whether the request arrived on a TLS-terminated listener.
type Handler interface {
	ServeMITM(w http.ResponseWriter, r *http.Request, secure bool)
}

type HandlerFunc func(w http.ResponseWriter, r *http.Request, secure bool)

func (f HandlerFunc) ServeMITM(w http.ResponseWriter, r *http.Request, secure bool) {
	f(w, r, secure)
}

// Server is an intercepting HTTP proxy.
//
// It owns a plaintext listener. CONNECT requests to port 443 are tunneled to a
// per-hostname TLS listener presenting a certificate signed by the configured CA;
// CONNECT requests to any other port are tunneled back to the plaintext listener.
// Either way, the decrypted requests reach the Handler.
type Server struct {
	handler Handler

	hostname          string
	port              int
	backlog           int
	certDir           string
	ca                CAFiles
	signer            Signer
	serverTimeout     time.Duration
	readHeaderTimeout time.Duration
	registerer        prometheus.Registerer

	events   *emitter
	metrics  *Metrics
	certs    *CertificateStore
	registry *SecureServerRegistry
	tunnels  *TunnelRouter
	srv      *http.Server

	// cancels the certificate pipelines
	cancel context.CancelFunc

	mu       sync.Mutex // protects following fields
	listener net.Listener
	// loopback is the unbounded listener plaintext tunnels connect to when Backlog is set.
	loopback net.Listener
	closed   bool
}

type Option func(*Server) error

// CertDir specifies the directory the issued certificates are stored in.
func CertDir(dir string) Option {
	return func(s *Server) error {
		s.certDir = dir
		return nil
	}
}

// CACert specifies the PEM files of the CA that signs the issued certificates.
func CACert(certPath, keyPath string) Option {
	return func(s *Server) error {
		s.ca = CAFiles{CertPath: certPath, KeyPath: keyPath}
		return nil
	}
}

// WithSigner specifies how certificates are issued. The default is OpenSSLSigner.
func WithSigner(signer Signer) Option {
	return func(s *Server) error {
		if signer == nil {
			return fmt.Errorf("%w: signer is nil", ErrInvalidConfig)
		}
		s.signer = signer
		return nil
	}
}

// Hostname specifies the address every listener binds to.
// If empty, the listeners bind to all interfaces and tunnels connect through localhost.
func Hostname(hostname string) Option {
	return func(s *Server) error {
		s.hostname = hostname
		return nil
	}
}

// Port specifies the port of the plaintext listener. If 0, a port is chosen by the system.
func Port(port int) Option {
	return func(s *Server) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, port)
		}
		s.port = port
		return nil
	}
}

// Backlog limits the number of connections the plaintext listener serves at once.
// If 0, there is no limit.
func Backlog(n int) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("%w: negative backlog %d", ErrInvalidConfig, n)
		}
		s.backlog = n
		return nil
	}
}

// ServerTimeout is the time a secure listener may go without accepting a connection before it is closed.
// If 0, secure listeners live until the Server is closed.
func ServerTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("%w: negative server timeout %v", ErrInvalidConfig, d)
		}
		s.serverTimeout = d
		return nil
	}
}

// ReadHeaderTimeout is the amount of time allowed to read request headers on every listener.
func ReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.readHeaderTimeout = d
		return nil
	}
}

// OnLog subscribes sink to the events of level and every more severe level.
func OnLog(level Level, sink LogSink) Option {
	return func(s *Server) error {
		if level < LevelError || level > LevelDebug {
			return fmt.Errorf("%w: unknown log level %v", ErrInvalidConfig, level)
		}
		s.events.levelSinks[level] = append(s.events.levelSinks[level], sink)
		return nil
	}
}

// OnLogAll subscribes sink to every log event.
func OnLogAll(sink LogSink) Option {
	return func(s *Server) error {
		s.events.allSinks = append(s.events.allSinks, sink)
		return nil
	}
}

// OnError subscribes sink to the errors the Server encounters.
func OnError(sink ErrorSink) Option {
	return func(s *Server) error {
		s.events.errorSinks = append(s.events.errorSinks, sink)
		return nil
	}
}

// OnUpgrade subscribes h to upgrade requests. Without any subscriber, upgrade requests are dropped.
func OnUpgrade(h UpgradeHandler) Option {
	return func(s *Server) error {
		s.events.upgrades = append(s.events.upgrades, h)
		return nil
	}
}

// WithRegisterer registers the Server metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) error {
		s.registerer = reg
		return nil
	}
}

// New returns a Server dispatching intercepted requests to handler. The Server does not listen until started.
func New(handler Handler, options ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrInvalidConfig)
	}

	s := &Server{
		handler:       handler,
		serverTimeout: DefaultServerTimeout,
		events:        newEmitter(),
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.ca.CertPath == "" || s.ca.KeyPath == "" {
		return nil, fmt.Errorf("%w: CA certificate and key are required", ErrInvalidConfig)
	}
	for _, path := range []string{s.ca.CertPath, s.ca.KeyPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if s.signer == nil {
		s.signer = &OpenSSLSigner{}
	}

	s.metrics = NewMetrics(s.registerer)

	ctx, cancel := context.WithCancel(context.Background())
	certs, err := NewCertificateStore(s.certDir, s.ca, s.signer,
		withStoreEmitter(s.events),
		withStoreContext(ctx),
		CertificateStoreMetrics(s.metrics))
	if err != nil {
		cancel()
		return nil, err
	}
	s.certs = certs
	s.cancel = cancel

	s.registry = newSecureServerRegistry(registryConfig{
		certs:       s.certs,
		bindHost:    s.hostname,
		idleTimeout: s.serverTimeout,
		newServer: func(hostname string) *http.Server {
			return s.newHTTPServer(hostname, true)
		},
		events:  s.events,
		metrics: s.metrics,
	})
	s.tunnels = newTunnelRouter(tunnelConfig{
		registry:  s.registry,
		plainAddr: s.tunnelAddr,
		bindHost:  s.hostname,
		events:    s.events,
		metrics:   s.metrics,
	})
	s.srv = s.newHTTPServer("", false)

	return s, nil
}

func (s *Server) newHTTPServer(hostname string, secure bool) *http.Server {
	prefix := ""
	if hostname != "" {
		prefix = "[" + hostname + "] "
	}
	return &http.Server{
		Handler:           &dispatcher{server: s, secure: secure},
		ReadHeaderTimeout: s.readHeaderTimeout,
		ErrorLog:          log.New(&logWriter{events: s.events, level: LevelWarn}, prefix, 0),
	}
}

// Certificates returns the store issuing the certificates of the secure listeners.
func (s *Server) Certificates() *CertificateStore { return s.certs }

// Registry returns the registry of the secure listeners.
func (s *Server) Registry() *SecureServerRegistry { return s.registry }

// Metrics returns the collectors updated by the Server.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Addr returns the address of the plaintext listener, or nil if the Server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// tunnelAddr returns the address plaintext tunnels connect to.
func (s *Server) tunnelAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loopback != nil {
		return s.loopback.Addr()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the plaintext listener and serves it in the background.
func (s *Server) Start() error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.events.error(fmt.Errorf("plaintext listener stopped: %w", err))
		}
	}()
	return nil
}

// ListenAndServe binds the plaintext listener and serves it until the Server is closed.
func (s *Server) ListenAndServe() error {
	l, err := s.listen()
	if err != nil {
		return err
	}
	return s.srv.Serve(l)
}

// Serve serves l as the plaintext listener until the Server is closed.
func (s *Server) Serve(l net.Listener) error {
	l, err := s.attach(l)
	if err != nil {
		return err
	}
	return s.srv.Serve(l)
}

func (s *Server) listen() (net.Listener, error) {
	addr := net.JoinHostPort(s.hostname, strconv.Itoa(s.port))

	s.mu.Lock()
	busy := s.listener != nil || s.closed
	s.mu.Unlock()
	if busy {
		return nil, s.busyErr()
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	l, err = s.attach(l)
	if err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (s *Server) attach(l net.Listener) (net.Listener, error) {
	var loopback net.Listener
	if s.backlog > 0 {
		l = netutil.LimitListener(l, s.backlog)

		// A plaintext tunnel holds a slot for its client connection, so the
		// connection it opens back to the server must not need another one.
		host := dialHost(s.hostname)
		if host == "localhost" {
			host = "127.0.0.1"
		}
		var err error
		if loopback, err = net.Listen("tcp", net.JoinHostPort(host, "0")); err != nil {
			return nil, fmt.Errorf("%w: tunnel listener: %w", ErrListenBind, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil || s.closed {
		if loopback != nil {
			loopback.Close()
		}
		if s.listener != nil {
			return nil, ErrServerStarted
		}
		return nil, ErrServerClosed
	}
	s.listener = l
	s.loopback = loopback

	if loopback != nil {
		go func() {
			if err := s.srv.Serve(loopback); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.events.error(fmt.Errorf("tunnel listener stopped: %w", err))
			}
		}()
		s.events.logf(LevelDebug, "plaintext tunnels connect to %s", loopback.Addr())
	}
	s.events.logf(LevelInfo, "listening on %s", l.Addr())
	return l, nil
}

func (s *Server) busyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	return ErrServerStarted
}

// Close immediately closes every listener and the connections they serve.
// Established tunnels are left to their endpoints.
func (s *Server) Close() error {
	s.markClosed()
	s.cancel()

	err := s.srv.Close()
	return errors.Join(err, s.registry.Close())
}

// Shutdown stops accepting connections and waits for the active plaintext requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.markClosed()
	defer s.cancel()

	err := s.srv.Shutdown(ctx)
	return errors.Join(err, s.registry.Close())
}

func (s *Server) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// dispatcher routes the requests accepted by one listener.
type dispatcher struct {
	server *Server
	secure bool
}

var _ http.Handler = (*dispatcher)(nil)

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		d.server.tunnels.ServeConnect(w, r)
	case isUpgradeRequest(r):
		d.server.serveUpgrade(w, r, d.secure)
	default:
		d.server.handler.ServeMITM(w, normalizeRequest(r, d.secure), d.secure)
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return r.ProtoMajor == 1 &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		r.Header.Get("Upgrade") != ""
}

func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request, secure bool) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		s.events.error(fmt.Errorf("cannot hijack the %s connection for upgrade", r.Proto))
		panic(http.ErrAbortHandler)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.events.error(fmt.Errorf("failed to hijack the connection for upgrade: %w", err))
		return
	}

	if !s.events.hasUpgradeHandlers() {
		conn.Close()
		s.events.log(LevelWarn, "received upgrade request, but no upgrade handlers were registered")
		return
	}

	head := make([]byte, rw.Reader.Buffered())
	_, _ = rw.Reader.Read(head)

	s.events.upgrade(&UpgradeEvent{
		Request: normalizeRequest(r, secure),
		Conn:    conn,
		Head:    head,
		Secure:  secure,
		rw:      rw,
	})
}

// normalizeRequest fills in the scheme and the host of requests sent in origin-form.
func normalizeRequest(r *http.Request, secure bool) *http.Request {
	if r.URL.Scheme != "" && r.URL.Host != "" {
		return r
	}

	req := r.Clone(r.Context())
	if req.URL.Scheme == "" {
		if secure {
			req.URL.Scheme = "https"
		} else {
			req.URL.Scheme = "http"
		}
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	return req
}
