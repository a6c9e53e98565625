package mitm_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/homuler/mitm-proxy-go"
	"github.com/homuler/mitm-proxy-go/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers with what it has seen of the request.
var echoHandler = mitm.HandlerFunc(func(w http.ResponseWriter, r *http.Request, secure bool) {
	body, _ := io.ReadAll(r.Body)
	fmt.Fprintf(w, "%s %s secure=%v %s", r.Method, r.URL, secure, body)
})

func newServerOptions(t *testing.T) []mitm.Option {
	t.Helper()

	dir := t.TempDir()
	certPath, keyPath := testutil.WriteCA(t, dir)
	return []mitm.Option{
		mitm.CertDir(filepath.Join(dir, "certs")),
		mitm.CACert(certPath, keyPath),
		mitm.WithSigner(&mitm.X509Signer{KeyBits: 1024}),
		mitm.Hostname("127.0.0.1"),
	}
}

func startServer(t *testing.T, handler mitm.Handler, options ...mitm.Option) *mitm.Server {
	t.Helper()

	s, err := mitm.New(handler, append(newServerOptions(t), options...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) HandleError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// waitFor waits until an error matching target is recorded.
func (r *errorRecorder) waitFor(t *testing.T, target error) error {
	t.Helper()

	var found error
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, err := range r.errs {
			if errors.Is(err, target) {
				found = err
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

type syncLogRecorder struct {
	mu   sync.Mutex
	msgs map[mitm.Level][]string
}

func (r *syncLogRecorder) Log(level mitm.Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[mitm.Level][]string)
	}
	r.msgs[level] = append(r.msgs[level], msg)
}

func (r *syncLogRecorder) has(level mitm.Level, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs[level] {
		if strings.Contains(m, msg) {
			return true
		}
	}
	return false
}

func (r *syncLogRecorder) count(level mitm.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs[level])
}

func TestServer_tunnels_to_the_secure_listener(t *testing.T) {
	t.Parallel()

	s := startServer(t, echoHandler, mitm.WithRegisterer(prometheus.NewRegistry()))

	conn, status := testutil.Connect(t, s.Addr(), "example.com:443")
	require.Equal(t, "HTTP/1.1 200 OK", status)

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: "example.com",
		RootCAs:    testutil.RootCAs(t),
		NextProtos: []string{"http/1.1"},
	})
	require.NoError(t, tlsConn.Handshake())

	state := tlsConn.ConnectionState()
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, "example.com", state.PeerCertificates[0].Subject.CommonName)

	req, err := http.NewRequest(http.MethodPost, "https://example.com/foo?bar=1", strings.NewReader("hello"))
	require.NoError(t, err)
	require.NoError(t, req.Write(tlsConn))

	res := testutil.ReadResponse(t, tlsConn, req)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST https://example.com/foo?bar=1 secure=true hello", string(body))

	_, cached := s.Certificates().Cached("example.com")
	assert.True(t, cached)
	assert.Equal(t, 1, s.Registry().Len())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.Metrics().TunnelsTotal.WithLabelValues("secure", "ok")))
}

func TestServer_tunnels_to_the_plaintext_listener(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"example.com:80", "example.com:8080", "example.com"} {
		target := target

		t.Run(target, func(t *testing.T) {
			t.Parallel()

			s := startServer(t, echoHandler)

			conn, status := testutil.Connect(t, s.Addr(), target)
			require.Equal(t, "HTTP/1.1 200 OK", status)

			req, err := http.NewRequest(http.MethodPut, "http://example.com/bar", strings.NewReader("plain bytes"))
			require.NoError(t, err)
			require.NoError(t, req.Write(conn))

			res := testutil.ReadResponse(t, conn, req)
			defer res.Body.Close()
			body, err := io.ReadAll(res.Body)
			require.NoError(t, err)
			assert.Equal(t, "PUT http://example.com/bar secure=false plain bytes", string(body))
			assert.Equal(t, 0, s.Registry().Len())
		})
	}
}

func TestServer_tunnels_to_the_plaintext_listener_with_Backlog(t *testing.T) {
	t.Parallel()

	s := startServer(t, echoHandler, mitm.Backlog(1))

	// the tunnel holds the only slot of the plaintext listener while it relays
	conn, status := testutil.Connect(t, s.Addr(), "example.com:80")
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))

	req, err := http.NewRequest(http.MethodGet, "http://example.com/x", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))

	res := testutil.ReadResponse(t, conn, req)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "GET http://example.com/x secure=false ", string(body))
}

func TestServer_forwards_bytes_pipelined_after_CONNECT(t *testing.T) {
	t.Parallel()

	s := startServer(t, echoHandler)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, "CONNECT example.com:80 HTTP/1.1\r\nHost: example.com:80\r\n\r\n"+
		"GET /pipelined HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", line)

	res, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "GET http://example.com/pipelined secure=false ", string(body))
}

func TestServer_drops_malformed_CONNECT(t *testing.T) {
	t.Parallel()

	errs := &errorRecorder{}
	s := startServer(t, echoHandler, mitm.OnError(errs))

	_, status := testutil.Connect(t, s.Addr(), ":443")
	assert.Empty(t, status)
	errs.waitFor(t, mitm.ErrInvalidConnectTarget)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestServer_drops_CONNECT_on_certificate_failure(t *testing.T) {
	t.Parallel()

	errSign := errors.New("signing failed")
	errs := &errorRecorder{}
	logs := &syncLogRecorder{}
	s := startServer(t, echoHandler,
		mitm.WithSigner(signerFunc(func(context.Context, mitm.SignRequest) error { return errSign })),
		mitm.OnError(errs),
		mitm.OnLog(mitm.LevelError, logs))

	_, status := testutil.Connect(t, s.Addr(), "broken.example.com:443")
	assert.Empty(t, status, "no 200 response must be written")

	err := errs.waitFor(t, mitm.ErrTunnelResolution)
	assert.ErrorIs(t, err, mitm.ErrCertificate)
	assert.ErrorIs(t, err, mitm.ErrCertGeneration)
	assert.ErrorIs(t, err, errSign)
	assert.True(t, logs.has(mitm.LevelError, "signing failed"))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.Metrics().TunnelsTotal.WithLabelValues("secure", "error")))

	// the failure is not cached
	_, cached := s.Certificates().Cached("broken.example.com")
	assert.False(t, cached)
}

func TestServer_upgrade_without_handlers(t *testing.T) {
	t.Parallel()

	logs := &syncLogRecorder{}
	s := startServer(t, echoHandler, mitm.OnLog(mitm.LevelWarn, logs))

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, "GET /ws HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n")
	require.NoError(t, err)

	bs, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, bs)
	require.Eventually(t, func() bool {
		return logs.has(mitm.LevelWarn, "no upgrade handlers were registered")
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_upgrade_with_handler(t *testing.T) {
	t.Parallel()

	events := make(chan *mitm.UpgradeEvent, 1)
	s := startServer(t, echoHandler, mitm.OnUpgrade(mitm.UpgradeHandlerFunc(func(ev *mitm.UpgradeEvent) {
		events <- ev
		defer ev.Conn.Close()

		io.WriteString(ev.Conn, "HTTP/1.1 101 Switching Protocols\r\n\r\n")
		ev.Conn.Write(ev.Head)
		rest, _ := io.ReadAll(ev.Conn)
		ev.Conn.Write(rest)
	})))

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = io.WriteString(conn, "GET /ws HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive, Upgrade\r\nUpgrade: websocket\r\n\r\nframe")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	bs, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 101 Switching Protocols\r\n\r\nframe", string(bs))

	ev := <-events
	assert.False(t, ev.Secure)
	assert.Equal(t, "http://example.com/ws", ev.Request.URL.String())
	assert.Equal(t, "websocket", ev.Request.Header.Get("Upgrade"))
	assert.NotNil(t, ev.ReadWriter())
}

func TestServer_log_levels(t *testing.T) {
	t.Parallel()

	warn := &syncLogRecorder{}
	debug := &syncLogRecorder{}
	all := &syncLogRecorder{}
	s := startServer(t, echoHandler,
		mitm.OnLog(mitm.LevelWarn, warn),
		mitm.OnLog(mitm.LevelDebug, debug),
		mitm.OnLogAll(all),
		mitm.OnLogAll(mitm.LogSinkFunc(func(mitm.Level, string) { panic("broken sink") })))

	conn, status := testutil.Connect(t, s.Addr(), "example.com:443")
	require.Equal(t, "HTTP/1.1 200 OK", status)
	conn.Close()

	assert.True(t, debug.has(mitm.LevelInfo, "creating new secure server for example.com"))
	assert.True(t, debug.has(mitm.LevelDebug, "loading cert for example.com"))
	assert.True(t, all.has(mitm.LevelInfo, "listening on"))
	assert.Zero(t, warn.count(mitm.LevelInfo))
	assert.Zero(t, warn.count(mitm.LevelDebug))
}

func TestServer_lifecycle(t *testing.T) {
	t.Parallel()

	s, err := mitm.New(echoHandler, newServerOptions(t)...)
	require.NoError(t, err)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	assert.NotNil(t, s.Addr())
	assert.ErrorIs(t, s.Start(), mitm.ErrServerStarted)
	assert.ErrorIs(t, s.Serve(testutil.NewTCPListener(t)), mitm.ErrServerStarted)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(), mitm.ErrServerClosed)
}

func TestServer_ListenAndServe(t *testing.T) {
	t.Parallel()

	s, err := mitm.New(echoHandler, append(newServerOptions(t), mitm.Backlog(4), mitm.ReadHeaderTimeout(time.Second))...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 5*time.Second, 5*time.Millisecond)

	res, err := http.Get("http://" + s.Addr().String() + "/direct")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "GET http://"+s.Addr().String()+"/direct secure=false ", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.ErrorIs(t, <-done, http.ErrServerClosed)
}

func TestNew_invalid_config(t *testing.T) {
	t.Parallel()

	_, err := mitm.New(nil, newServerOptions(t)...)
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig)

	_, err = mitm.New(echoHandler, mitm.CertDir(t.TempDir()))
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig, "CA is required")

	_, err = mitm.New(echoHandler, append(newServerOptions(t), mitm.CACert("missing-cert.pem", "missing-key.pem"))...)
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig)

	_, err = mitm.New(echoHandler, append(newServerOptions(t), mitm.Port(70000))...)
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig)

	_, err = mitm.New(echoHandler, append(newServerOptions(t), mitm.OnLog(mitm.Level(9), &syncLogRecorder{}))...)
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig)

	_, err = mitm.New(echoHandler, append(newServerOptions(t), mitm.ServerTimeout(-time.Second))...)
	assert.ErrorIs(t, err, mitm.ErrInvalidConfig)
}
