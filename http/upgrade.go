package http

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/homuler/mitm-proxy-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UpgradeForwarder relays upgrade requests (e.g. WebSocket) to their origin and
// then copies the raw bytes in both directions without inspecting them.
type UpgradeForwarder struct {
	// TLSClientConfig is used to connect to https origins.
	TLSClientConfig *tls.Config
	// DialTimeout bounds connecting to the origin. If zero, 30 seconds.
	DialTimeout time.Duration
	Logger      logrus.FieldLogger
}

var _ mitm.UpgradeHandler = (*UpgradeForwarder)(nil)

func (f *UpgradeForwarder) ServeUpgrade(ev *mitm.UpgradeEvent) {
	defer ev.Conn.Close()

	upstream, err := f.dial(ev.Request.Context(), ev.Request, ev.Secure)
	if err != nil {
		f.logError(ev.Request, err)
		io.WriteString(ev.Conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		return
	}
	defer upstream.Close()

	req := ev.Request.Clone(context.Background())
	req.RequestURI = ""
	req.Body = nil
	req.ContentLength = 0
	if err := req.Write(upstream); err != nil {
		f.logError(ev.Request, err)
		return
	}
	if len(ev.Head) > 0 {
		if _, err := upstream.Write(ev.Head); err != nil {
			f.logError(ev.Request, err)
			return
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(upstream, ev.Conn)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(ev.Conn, upstream)
		closeWrite(ev.Conn)
		return err
	})
	if err := g.Wait(); err != nil {
		f.logError(ev.Request, err)
	}
}

func (f *UpgradeForwarder) dial(ctx context.Context, r *http.Request, secure bool) (net.Conn, error) {
	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	addr := originAddr(r.URL.Host, secure)

	if !secure {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	var config *tls.Config
	if f.TLSClientConfig != nil {
		config = f.TLSClientConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = r.URL.Hostname()
	}
	config.NextProtos = []string{"http/1.1"}

	td := &tls.Dialer{NetDialer: dialer, Config: config}
	return td.DialContext(ctx, "tcp", addr)
}

func (f *UpgradeForwarder) logError(r *http.Request, err error) {
	if f.Logger == nil {
		return
	}
	f.Logger.WithError(err).WithField("url", r.URL.String()).Warn("upgrade relay failed")
}

// originAddr appends the default port of the scheme to host if it has none.
func originAddr(host string, secure bool) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if secure {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
