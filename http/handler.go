package http

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/homuler/mitm-proxy-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
)

// hopByHopHeaders are the headers that apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RoundTripHandler forwards intercepted requests to their origin and copies the responses back.
type RoundTripHandler struct {
	// TLSClientConfig is used to connect to https origins. If nil, the system roots are trusted.
	TLSClientConfig *tls.Config

	// Transport returns the RoundTripper for r. If nil, a transport is chosen from
	// the scheme and the protocol version of r.
	Transport func(r *http.Request, secure bool) http.RoundTripper

	// Logger, if set, receives the upstream failures.
	Logger logrus.FieldLogger

	once sync.Once
	h1   *http.Transport
	h2   *http2.Transport
}

var _ mitm.Handler = (*RoundTripHandler)(nil)

func (h *RoundTripHandler) ServeMITM(w http.ResponseWriter, r *http.Request, secure bool) {
	req := CopyAsUpstreamRequest(r, secure)

	rt := h.roundTripper(r, secure)
	res, err := rt.RoundTrip(req)
	if err != nil {
		if h.Logger != nil {
			h.Logger.WithError(err).WithField("url", req.URL.String()).Warn("upstream request failed")
		}
		http.Error(w, fmt.Sprintf("failed to request to %v: %v", req.URL, err), http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	RemoveHopByHopHeaders(res.Header)
	header := w.Header()
	for k, v := range res.Header {
		for _, vv := range v {
			header.Add(k, vv)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, _ = io.Copy(w, res.Body) // the client may have gone away
}

func (h *RoundTripHandler) roundTripper(r *http.Request, secure bool) http.RoundTripper {
	if h.Transport != nil {
		return h.Transport(r, secure)
	}

	h.once.Do(func() {
		h.h1 = &http.Transport{
			TLSClientConfig: h.tlsConfig("http/1.1"),
		}
		h.h2 = &http2.Transport{
			TLSClientConfig: h.tlsConfig("h2"),
		}
	})

	if secure && r.ProtoMajor == 2 {
		return h.h2
	}
	return h.h1
}

func (h *RoundTripHandler) tlsConfig(proto string) *tls.Config {
	var config *tls.Config
	if h.TLSClientConfig != nil {
		config = h.TLSClientConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	config.NextProtos = []string{proto}
	return config
}

// CopyAsUpstreamRequest returns a client request for the origin of r.
func CopyAsUpstreamRequest(r *http.Request, secure bool) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""

	if secure {
		req.URL.Scheme = "https"
	} else {
		req.URL.Scheme = "http"
	}
	if req.URL.Host == "" {
		req.URL.Host = r.Host
	}
	RemoveHopByHopHeaders(req.Header)
	return req
}

// RemoveHopByHopHeaders deletes the connection-specific headers from header,
// including the ones listed in the Connection header.
func RemoveHopByHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if httpguts.ValidHeaderFieldName(name) {
				header.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}
