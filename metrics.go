// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors updated by the proxy core.
type Metrics struct {
	CertCacheHits    prometheus.Counter
	CertCoalesced    prometheus.Counter
	CertGenerations  *prometheus.CounterVec // result: ok, error
	SecureListeners  prometheus.Gauge
	ListenerEvicted  prometheus.Counter
	TunnelsTotal     *prometheus.CounterVec // target: secure, plain; result: ok, error
	TunnelBytesTotal *prometheus.CounterVec // direction: upstream, downstream
}

// NewMetrics creates the collectors and registers them to reg.
// If reg is nil, the collectors are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CertCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "mitm_cert_cache_hits_total",
			Help: "Certificate requests served from the in-memory cache",
		}),
		CertCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "mitm_cert_coalesced_total",
			Help: "Certificate requests queued behind an in-flight generation",
		}),
		CertGenerations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitm_cert_loads_total",
			Help: "Certificate pipelines run, by result",
		}, []string{"result"}),
		SecureListeners: f.NewGauge(prometheus.GaugeOpts{
			Name: "mitm_secure_listeners",
			Help: "Per-hostname TLS listeners currently open",
		}),
		ListenerEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "mitm_secure_listener_evictions_total",
			Help: "Secure listeners closed by the idle watchdog",
		}),
		TunnelsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitm_tunnels_total",
			Help: "CONNECT tunnels handled, by target and result",
		}, []string{"target", "result"}),
		TunnelBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitm_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels",
		}, []string{"direction"}),
	}
}
