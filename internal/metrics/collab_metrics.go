package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts applied edits.
	// Labels: kind (insert/delete/replace), origin (local/remote)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_operations_total",
			Help: "Total number of document operations applied by kind and origin",
		},
		[]string{"kind", "origin"},
	)

	// ConflictsTotal counts detected and resolved conflicts.
	// Labels: strategy (timestamp_order/user_priority/merge/manual), status (detected/resolved/failed)
	ConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_conflicts_total",
			Help: "Total number of conflicts by resolution strategy and status",
		},
		[]string{"strategy", "status"},
	)

	// EventsTotal counts emitted engine events.
	// Labels: event_type, status (emitted/dropped/invalid)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_events_total",
			Help: "Total number of engine events by type and status",
		},
		[]string{"event_type", "status"},
	)

	// TransformDuration observes conflict transformation latency.
	TransformDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collab_transform_duration_seconds",
			Help:    "Operational transformation duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// ActiveSessions tracks open collaboration sessions per document.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_active_sessions",
			Help: "Number of active collaboration sessions per document",
		},
		[]string{"document_id"},
	)
)

// RecordOperation records one applied edit.
func RecordOperation(kind, origin string) {
	OperationsTotal.WithLabelValues(kind, origin).Inc()
}

// RecordConflict records a conflict lifecycle transition.
func RecordConflict(strategy, status string) {
	ConflictsTotal.WithLabelValues(strategy, status).Inc()
}

// RecordEvent records an event emission outcome.
func RecordEvent(eventType, status string) {
	EventsTotal.WithLabelValues(eventType, status).Inc()
}

// ObserveTransform records transformation latency in seconds.
func ObserveTransform(seconds float64) {
	TransformDuration.Observe(seconds)
}
