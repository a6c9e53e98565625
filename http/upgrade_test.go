package http_test

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/homuler/mitm-proxy-go"
	mitmhttp "github.com/homuler/mitm-proxy-go/http"
	"github.com/homuler/mitm-proxy-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveEchoUpgrade accepts one upgrade request on l, switches protocols and echoes everything back.
func serveEchoUpgrade(t *testing.T, l net.Listener) <-chan *http.Request {
	t.Helper()

	received := make(chan *http.Request, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		received <- req

		io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
		io.Copy(conn, br)
	}()
	return received
}

func TestUpgradeForwarder_relays_upgraded_connection(t *testing.T) {
	t.Parallel()

	origin := testutil.NewTCPListener(t)
	received := serveEchoUpgrade(t, origin)

	req, err := http.NewRequest(http.MethodGet, "http://"+origin.Addr().String()+"/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "echo")

	client, proxied := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		forwarder := &mitmhttp.UpgradeForwarder{DialTimeout: time.Second}
		forwarder.ServeUpgrade(&mitm.UpgradeEvent{Request: req, Conn: proxied, Head: []byte("early ")})
	}()

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(client)
	res, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, res.StatusCode)

	upstreamReq := <-received
	assert.Equal(t, "/chat", upstreamReq.URL.RequestURI())
	assert.Equal(t, "echo", upstreamReq.Header.Get("Upgrade"))
	assert.Equal(t, "Upgrade", upstreamReq.Header.Get("Connection"))

	_, err = io.WriteString(client, "hello")
	require.NoError(t, err)

	buf := make([]byte, len("early hello"))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "early hello", string(buf))

	client.Close()
	<-done
}

func TestUpgradeForwarder_responds_bad_gateway(t *testing.T) {
	t.Parallel()

	l := testutil.NewTCPListener(t)
	addr := l.Addr().String()
	l.Close()

	req, err := http.NewRequest(http.MethodGet, (&url.URL{Scheme: "http", Host: addr, Path: "/"}).String(), nil)
	require.NoError(t, err)

	client, proxied := net.Pipe()
	defer client.Close()

	go (&mitmhttp.UpgradeForwarder{DialTimeout: time.Second}).ServeUpgrade(&mitm.UpgradeEvent{Request: req, Conn: proxied})

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	status, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 502"), status)
}
