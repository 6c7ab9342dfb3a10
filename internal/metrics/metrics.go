// Package metrics holds the Prometheus instruments of the tunnel server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons for TunnelFailures.
const (
	ReasonBlacklisted         = "blacklisted"
	ReasonUnsupportedProtocol = "unsupported_protocol"
	ReasonOverload            = "overload"
	ReasonConnect             = "connect"
	ReasonRateLimited         = "rate_limited"
	ReasonBadRequest          = "bad_request"
)

var (
	TunnelsActive  = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "bifrost_tunnels_active", Help: "Open tunnels by transport"}, []string{"transport"})
	TunnelsCreated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bifrost_tunnels_created_total", Help: "Tunnels that connected, by transport"}, []string{"transport"})
	TunnelFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bifrost_tunnel_failures_total", Help: "Tunnel creation failures by reason"}, []string{"reason"})
	TunnelBytes    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bifrost_tunnel_bytes_total", Help: "Bytes moved through closed tunnels"}, []string{"direction"})
	EventStreams   = promauto.NewGauge(prometheus.GaugeOpts{Name: "bifrost_event_streams_active", Help: "Open event-stream notification responses"})
)
