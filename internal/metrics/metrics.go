// ABOUTME: Prometheus metrics for the transport client, session router and relay
// ABOUTME: Registered on the default registry; the CLI exposes them via promhttp

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	TransportState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapchat_transport_state",
			Help: "Transport connection state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapchat_transport_reconnects_total",
			Help: "Total reconnect attempts scheduled after a failure",
		},
	)

	DialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapchat_transport_dial_failures_total",
			Help: "Total failed connection attempts",
		},
	)

	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapchat_transport_heartbeat_timeouts_total",
			Help: "Total connections closed because no pong arrived in time",
		},
	)

	FramesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapchat_frames_in_total",
			Help: "Total frames received",
		},
		[]string{"type"},
	)

	FramesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapchat_frames_out_total",
			Help: "Total frames sent",
		},
		[]string{"type"},
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapchat_frames_malformed_total",
			Help: "Total inbound frames dropped because they could not be decoded",
		},
	)

	// Session metrics
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapchat_inbound_messages_total",
			Help: "Inbound messages by outcome",
		},
		[]string{"outcome"}, // "applied", "duplicate", "refused"
	)

	// Relay metrics
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swapchat_relay_connections",
			Help: "Live websocket connections on the relay",
		},
	)

	RelayFramesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swapchat_relay_frames_routed_total",
			Help: "Frames forwarded by the relay",
		},
		[]string{"type"},
	)

	RelayFramesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swapchat_relay_frames_throttled_total",
			Help: "Inbound frames dropped by the per-connection rate limit",
		},
	)
)
