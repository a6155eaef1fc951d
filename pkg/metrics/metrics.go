// Package metrics exposes the engine's prometheus instruments
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler outcomes
const (
	OutcomeOK        = "ok"
	OutcomeAbsorbed  = "absorbed"
	OutcomeRetry     = "retry"
	OutcomeSwallowed = "swallowed"
	OutcomeInvalid   = "invalid"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildflow_events_handled_total",
		Help: "Events handled by type and outcome",
	}, []string{"event_type", "outcome"})

	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildflow_event_handle_duration_seconds",
		Help:    "Event handling duration in seconds, lock wait included",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"event_type"})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buildflow_lock_wait_seconds",
		Help:    "Time spent waiting for per-build locks",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildflow_status_transitions_total",
		Help: "Persisted status transitions by level and target status",
	}, []string{"level", "status"})

	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildflow_events_dispatched_total",
		Help: "Events published to the bus by type and source",
	}, []string{"event_type", "source"})

	redeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildflow_redeliveries_total",
		Help: "Events scheduled for redelivery by type",
	}, []string{"event_type"})

	detailUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildflow_detail_updates_total",
		Help: "Detail view notifications by kind",
	}, []string{"kind"})

	buildsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildflow_builds_archived_total",
		Help: "Finished builds moved out of the live store",
	})
)

// ObserveHandled records one handled event
func ObserveHandled(eventType, outcome string, elapsed time.Duration) {
	eventsHandled.WithLabelValues(eventType, outcome).Inc()
	handleDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// ObserveLockWait records time spent acquiring a build lock
func ObserveLockWait(elapsed time.Duration) {
	lockWait.Observe(elapsed.Seconds())
}

// IncTransition counts a persisted status change
func IncTransition(level, status string) {
	transitions.WithLabelValues(level, status).Inc()
}

// IncDispatched counts a published event
func IncDispatched(eventType, source string) {
	eventsDispatched.WithLabelValues(eventType, source).Inc()
}

// IncRedelivery counts a scheduled redelivery
func IncRedelivery(eventType string) {
	redeliveries.WithLabelValues(eventType).Inc()
}

// IncDetailUpdate counts a detail view notification
func IncDetailUpdate(kind string) {
	detailUpdates.WithLabelValues(kind).Inc()
}

// IncArchived counts an archived build
func IncArchived() {
	buildsArchived.Inc()
}
