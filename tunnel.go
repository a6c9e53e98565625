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
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConnectPort = 80
	tlsPort            = 443

	missingPort = "missing port in address" // net.AddrError.Err
)

var connectEstablished = []byte("HTTP/1.1 200 OK\r\n\r\n")

// ParseConnectTarget splits the authority of a CONNECT request into host and port.
// The port defaults to 80.
func ParseConnectTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		var addrErr *net.AddrError
		if !errors.As(err, &addrErr) || addrErr.Err != missingPort {
			return "", 0, fmt.Errorf("%w: %q: %w", ErrInvalidConnectTarget, target, err)
		}
		host = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
	}

	if host == "" {
		return "", 0, fmt.Errorf("%w: %q: empty host", ErrInvalidConnectTarget, target)
	}
	if portStr == "" {
		return host, defaultConnectPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q: invalid port", ErrInvalidConnectTarget, target)
	}
	return host, port, nil
}

// TunnelSession is one CONNECT tunnel, alive for the duration of the relay.
type TunnelSession struct {
	ID     uuid.UUID
	Host   string
	Port   int
	Secure bool

	client   *TamperedConn
	upstream net.Conn
}

func (s *TunnelSession) String() string {
	return fmt.Sprintf("tunnel %s (%s)", s.ID, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

func (s *TunnelSession) target() string {
	if s.Secure {
		return "secure"
	}
	return "plain"
}

type secureListenerSource interface {
	GetSecureListener(ctx context.Context, hostname string) (*SecureListener, error)
}

// TunnelRouter serves CONNECT requests.
// Port 443 is routed to the secure listener of the host; every other port to the plaintext listener.
type TunnelRouter struct {
	registry  secureListenerSource
	plainAddr func() net.Addr
	dialHost  string
	dialer    net.Dialer

	events  *emitter
	metrics *Metrics
}

type tunnelConfig struct {
	registry  secureListenerSource
	plainAddr func() net.Addr
	bindHost  string
	events    *emitter
	metrics   *Metrics
}

func newTunnelRouter(config tunnelConfig) *TunnelRouter {
	metrics := config.metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &TunnelRouter{
		registry:  config.registry,
		plainAddr: config.plainAddr,
		dialHost:  dialHost(config.bindHost),
		events:    config.events,
		metrics:   metrics,
	}
}

// dialHost returns the host to connect to for reaching a listener bound on bindHost.
func dialHost(bindHost string) string {
	if bindHost == "" {
		return "localhost"
	}
	if ip := net.ParseIP(bindHost); ip != nil && ip.IsUnspecified() {
		if ip.To4() != nil {
			return "127.0.0.1"
		}
		return "::1"
	}
	return bindHost
}

// ServeConnect handles a CONNECT request.
//
// The client connection is hijacked before the target is resolved, so on any
// failure the connection is dropped without a response.
func (t *TunnelRouter) ServeConnect(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		t.events.error(fmt.Errorf("%w: connection for %s cannot be hijacked (%s)", ErrTunnelResolution, r.Host, r.Proto))
		panic(http.ErrAbortHandler)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		t.events.error(fmt.Errorf("failed to hijack the connection for CONNECT %s: %w", r.Host, err))
		return
	}

	target := r.Host
	if target == "" {
		target = r.URL.Host
	}
	host, port, err := ParseConnectTarget(target)
	if err != nil {
		conn.Close()
		t.events.error(err)
		return
	}

	s := &TunnelSession{
		ID:     uuid.New(),
		Host:   host,
		Port:   port,
		Secure: port == tlsPort,
		client: newHijackedConn(conn, rw.Reader),
	}
	t.events.logf(LevelDebug, "%s: received CONNECT from %s", s, conn.RemoteAddr())

	if err := t.open(r.Context(), s); err != nil {
		s.client.Close()
		t.metrics.TunnelsTotal.WithLabelValues(s.target(), "error").Inc()
		t.events.error(fmt.Errorf("%s: %w", s, err))
		return
	}
	t.metrics.TunnelsTotal.WithLabelValues(s.target(), "ok").Inc()

	if err := t.relay(s); err != nil {
		t.events.error(fmt.Errorf("%s: %w", s, err))
	}
	t.events.logf(LevelDebug, "%s: closed", s)
}

// open resolves the upstream listener, connects to it and completes the handshake.
func (t *TunnelRouter) open(ctx context.Context, s *TunnelSession) error {
	addr, err := t.resolve(ctx, s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTunnelResolution, err)
	}

	upstream, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTunnelResolution, err)
	}
	if _, err := s.client.Write(connectEstablished); err != nil {
		upstream.Close()
		return err
	}
	s.upstream = upstream
	return nil
}

func (t *TunnelRouter) resolve(ctx context.Context, s *TunnelSession) (string, error) {
	if s.Secure {
		l, err := t.registry.GetSecureListener(ctx, s.Host)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(t.dialHost, strconv.Itoa(l.Port())), nil
	}

	var addr net.Addr
	if t.plainAddr != nil {
		addr = t.plainAddr()
	}
	if addr == nil {
		return "", errors.New("plaintext listener is not running")
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok && tcpAddr.IP.IsUnspecified() {
		return net.JoinHostPort(t.dialHost, strconv.Itoa(tcpAddr.Port)), nil
	}
	return addr.String(), nil
}

// relay copies bytes in both directions until both sides are done.
// A clean EOF half-closes the opposite side; an error tears the whole tunnel down.
func (t *TunnelRouter) relay(s *TunnelSession) error {
	defer s.client.Close()
	defer s.upstream.Close()

	var g errgroup.Group
	g.Go(func() error {
		return t.pipe(s.upstream, s.client, "upstream")
	})
	g.Go(func() error {
		return t.pipe(s.client, s.upstream, "downstream")
	})
	return g.Wait()
}

func (t *TunnelRouter) pipe(dst, src net.Conn, direction string) error {
	n, err := io.Copy(dst, src)
	t.metrics.TunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
	if err != nil {
		dst.Close()
		src.Close()
		if errors.Is(err, net.ErrClosed) {
			// torn down by the opposite direction
			return nil
		}
		return fmt.Errorf("relay %s: %w", direction, err)
	}

	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
		return nil
	}
	return dst.Close()
}
