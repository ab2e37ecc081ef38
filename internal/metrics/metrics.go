package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracking metrics
	FixesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "tracking",
		Name:      "fixes_rejected_total",
		Help:      "Location fixes dropped because they were malformed",
	})

	FixesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "tracking",
		Name:      "fixes_accepted_total",
		Help:      "Location fixes appended to a run path",
	})

	TrackerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "tracking",
		Name:      "transitions_total",
		Help:      "Tracker state transitions by target state",
	}, []string{"state"})

	RunsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "tracking",
		Name:      "runs_discarded_total",
		Help:      "Finished runs discarded for having fewer than two fixes",
	})

	// Sync metrics
	RunsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "sync",
		Name:      "runs_saved_total",
		Help:      "Runs durably stored in the local store",
	})

	RunsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "sync",
		Name:      "runs_uploaded_total",
		Help:      "Runs whose remote copy converged into the local store",
	})

	RemoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pacetrack",
		Subsystem: "sync",
		Name:      "remote_failures_total",
		Help:      "Failed calls to the remote run service",
	}, []string{"op", "kind"})

	PendingChanges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pacetrack",
		Subsystem: "sync",
		Name:      "pending_changes",
		Help:      "Uploads and deletes still waiting for the remote after the last retry pass",
	})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pacetrack",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Duration of refresh and retry passes",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})
)
