package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsAcceptedTotal counts events accepted into a session mailbox.
	EventsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_events_accepted_total",
		Help: "Total number of activity events accepted for processing.",
	})

	// EventsRejectedTotal counts events rejected at the boundary, by reason.
	EventsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymate_events_rejected_total",
		Help: "Total number of activity events rejected, by reason.",
	}, []string{"reason"})

	// EventsThrottledTotal counts events refused because a queue was full.
	EventsThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_events_throttled_total",
		Help: "Total number of activity events throttled by backpressure.",
	})

	// EventsDroppedTotal counts events dropped by the bulkhead after a
	// processing panic.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_events_dropped_total",
		Help: "Total number of events dropped after a processing failure.",
	})

	// CommandsTotal counts command dispatches by type and terminal status.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymate_commands_total",
		Help: "Total number of dispatched commands, by type and status.",
	}, []string{"type", "status"})

	// QueriesTotal counts query dispatches by type and cache outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymate_queries_total",
		Help: "Total number of dispatched queries, by type and cache outcome.",
	}, []string{"type", "cache"})

	// CacheInvalidationsTotal counts tag invalidations issued by commands.
	CacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_cache_invalidations_total",
		Help: "Total number of cache tag invalidations.",
	})

	// HubDroppedTotal counts deltas dropped from full subscriber mailboxes.
	HubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymate_hub_dropped_total",
		Help: "Total number of broadcast messages dropped from full mailboxes.",
	})

	// ActiveSessions tracks the number of live sessions in the store.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studymate_active_sessions",
		Help: "Number of live learning sessions.",
	})
)

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
