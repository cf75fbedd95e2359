// Package observability – Prometheus collectors
//
// Collectors for the realtime pipeline, exposed on the diagnostics server's
// /metrics endpoint. Label cardinality is kept bounded: event names and
// notification kinds come from small fixed sets, never from user input.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// RealtimeEvents counts inbound realtime events by event name.
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Total inbound realtime events, by event name.",
		},
		[]string{"event"},
	)

	// RealtimeReconnects counts transport reconnect attempts.
	RealtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Total realtime transport reconnect attempts.",
		},
	)

	// RealtimeDropped counts malformed frames dropped at the boundary.
	RealtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_dropped_frames_total",
			Help: "Total malformed realtime frames dropped at the envelope boundary.",
		},
	)

	// MessagesMerged counts messages merged into conversation stores
	// (duplicates count once on first merge only).
	MessagesMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_messages_merged_total",
			Help: "Total new chat messages merged into local stores.",
		},
	)

	// Notifications counts user-visible notifications by kind.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total user-visible notifications raised, by kind.",
		},
		[]string{"kind"},
	)

	// NotificationsSuppressed counts events that matched a suppression rule.
	NotificationsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_suppressed_total",
			Help: "Total notifications suppressed, by reason (self, seen, focused).",
		},
		[]string{"reason"},
	)

	// TypingBroadcasts counts outbound typing whispers actually sent
	// (keystrokes swallowed by the throttle window are not counted).
	TypingBroadcasts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "typing_broadcasts_total",
			Help: "Total outbound typing whispers sent after throttling.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RealtimeEvents,
		RealtimeReconnects,
		RealtimeDropped,
		MessagesMerged,
		Notifications,
		NotificationsSuppressed,
		TypingBroadcasts,
	)
}
