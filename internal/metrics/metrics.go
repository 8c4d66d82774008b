// Package metrics exposes the relay's prometheus instrumentation: connection
// counts, fan-out and command outcomes, and janitor sweep counts, following
// the promauto registration idiom used throughout the retrieved pack (e.g.
// linkerd2's service-mirror metrics) rather than hand-rolled counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelClientType = "client_type"
	labelKind       = "kind"
	labelStatus     = "status"
)

var (
	// ConnectionsTotal counts WebSocket upgrades by client type.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total WebSocket connections accepted, by client type (desktop|web).",
		},
		[]string{labelClientType},
	)

	// ConnectionsActive tracks current local connection counts.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently connected sessions on this instance, by client type.",
		},
		[]string{labelClientType},
	)

	// FramesRoutedTotal counts frames handed to the Router.
	FramesRoutedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_routed_total",
			Help: "Total frame_data messages handed to the Router for fan-out.",
		},
	)

	// FramesDroppedTotal counts frames dropped by a viewer's backpressure
	// queue (§4.6: drop-oldest policy).
	FramesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total frames dropped under viewer backpressure (drop-oldest policy).",
		},
	)

	// FrameFanoutLatency measures the time from RouteFrame to local
	// viewer enqueue.
	FrameFanoutLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_frame_fanout_latency_seconds",
			Help:    "Latency from RouteFrame to completed local viewer fan-out.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CommandsTotal counts command outcomes by kind and terminal status.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Total commands routed, by kind and terminal status (completed|failed).",
		},
		[]string{labelKind, labelStatus},
	)

	// CommandDeliveryPath counts whether a command was delivered direct,
	// via bus, or via poll fallback (§4.7).
	CommandDeliveryPath = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_command_delivery_path_total",
			Help: "Total commands by delivery path (direct|bus|poll_fallback).",
		},
		[]string{"path"},
	)

	// JanitorSweepsTotal counts completed Janitor sweeps.
	JanitorSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_janitor_sweeps_total",
			Help: "Total Janitor sweep passes completed.",
		},
	)

	// JanitorEvictionsTotal counts producers evicted by the Janitor, by
	// reason (heartbeat_timeout|grace_window).
	JanitorEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_janitor_evictions_total",
			Help: "Total producers evicted by the Janitor, by reason.",
		},
		[]string{"reason"},
	)

	// JanitorCommandsExpiredTotal counts commands transitioned to failed by
	// TTL expiry.
	JanitorCommandsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_janitor_commands_expired_total",
			Help: "Total commands expired past their TTL by the Janitor.",
		},
	)
)
