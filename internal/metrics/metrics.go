// Package metrics exposes Prometheus instrumentation for the board sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// boardLoadsTotal counts board cache loads by result (ok, not_found, error).
	boardLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_board_loads_total",
			Help: "Total number of board loads from storage",
		},
		[]string{"result"},
	)

	boardEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_board_events_total",
			Help: "Total number of accepted board events",
		},
		[]string{"action"},
	)

	flushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_flush_total",
			Help: "Total number of board flush attempts",
		},
		[]string{"result"},
	)

	// pendingEvents tracks history entries accepted in memory but not yet durable.
	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_pending_events",
			Help: "History entries awaiting flush across all loaded boards",
		},
	)

	compactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_compactions_total",
			Help: "Total number of bundle compactions by mode",
		},
		[]string{"mode"},
	)

	lockRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_lock_rejections_total",
			Help: "Total number of client events rejected due to lock contention",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_sessions_active",
			Help: "Number of connected websocket sessions",
		},
	)

	boardsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_boards_loaded",
			Help: "Number of boards resident in the cache",
		},
	)
)

func init() {
	prometheus.MustRegister(boardLoadsTotal)
	prometheus.MustRegister(boardEventsTotal)
	prometheus.MustRegister(flushTotal)
	prometheus.MustRegister(pendingEvents)
	prometheus.MustRegister(compactionsTotal)
	prometheus.MustRegister(lockRejectionsTotal)
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(boardsLoaded)
}

// RecordBoardLoad records the outcome of a board load.
func RecordBoardLoad(result string) {
	boardLoadsTotal.WithLabelValues(result).Inc()
}

// RecordEvent records an accepted board event.
func RecordEvent(action string) {
	boardEventsTotal.WithLabelValues(action).Inc()
}

// RecordFlush records the outcome of a flush attempt.
func RecordFlush(result string) {
	flushTotal.WithLabelValues(result).Inc()
}

// AddPendingEvents adjusts the pending-events gauge by delta.
func AddPendingEvents(delta int) {
	pendingEvents.Add(float64(delta))
}

// RecordCompactions adds count compactions performed in mode.
func RecordCompactions(mode string, count int) {
	if count <= 0 {
		return
	}
	compactionsTotal.WithLabelValues(mode).Add(float64(count))
}

// RecordLockRejection records an event dropped because its locks were unavailable.
func RecordLockRejection() {
	lockRejectionsTotal.Inc()
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	sessionsActive.Dec()
}

// BoardLoaded increments the resident board gauge.
func BoardLoaded() {
	boardsLoaded.Inc()
}

// BoardEvicted decrements the resident board gauge.
func BoardEvicted() {
	boardsLoaded.Dec()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
