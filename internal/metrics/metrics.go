// Package metrics provides Prometheus instrumentation for the sync daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedEventsTotal counts inbound feed events by kind.
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_feed_events_total",
			Help: "Inbound feed events by event kind",
		},
		[]string{"kind"},
	)

	// DroppedEventsTotal counts events discarded without a cache mutation.
	// Reasons: unknown_kind, malformed, unknown_message, stale_status,
	// duplicate_message.
	DroppedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_dropped_events_total",
			Help: "Feed events discarded without a cache mutation",
		},
		[]string{"reason"},
	)

	// JoinReplaysTotal counts room joins replayed after reconnects.
	JoinReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_join_replays_total",
			Help: "Room join announcements replayed after reconnects",
		},
	)

	// ConnectionState reports the current transport state (one-hot).
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Current transport connection state (1 for active state)",
		},
		[]string{"state"},
	)
)
