package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Synchronizer metrics
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_events_dispatched_total",
			Help: "Realtime events applied by the synchronizer",
		},
		[]string{"event"},
	)

	StaleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stale_results_total",
			Help: "Async results discarded because the target changed",
		},
		[]string{"op"},
	)

	RemoteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_remote_errors_total",
			Help: "Remote store or channel failures",
		},
		[]string{"op"},
	)

	UnreadIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_unread_increments_total",
			Help: "Messages counted as unread",
		},
	)

	TypingBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_typing_broadcasts_total",
			Help: "Typing signals published",
		},
		[]string{"state"}, // "typing" or "idle"
	)

	HTTPRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Transport metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_active_subscriptions",
			Help: "Open realtime subscriptions",
		},
	)

	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_dropped_events_total",
			Help: "Events dropped because a buffer was full",
		},
		[]string{"where"},
	)
)
