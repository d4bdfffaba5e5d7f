package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts appended decisions by status.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "matching",
			Name:      "decisions_total",
			Help:      "Reconciliation decisions appended to the log",
		},
		[]string{"status"},
	)

	// RunsTotal counts batch runs by result.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "matching",
			Name:      "runs_total",
			Help:      "Batch runs by result",
		},
		[]string{"result"},
	)

	// BatchDuration observes batch run wall time.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recond",
			Subsystem: "matching",
			Name:      "batch_duration_seconds",
			Help:      "Batch run duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	// RecordsRejectedTotal counts raw records refused by the normalizer.
	RecordsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "matching",
			Name:      "records_rejected_total",
			Help:      "Raw records rejected as invalid",
		},
	)

	// ClaimConflictsTotal counts rejected claim attempts.
	ClaimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "matching",
			Name:      "claim_conflicts_total",
			Help:      "Claim attempts rejected by a held claim",
		},
	)

	// FeedbackTotal counts applied feedback by outcome and result.
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "feedback",
			Name:      "events_total",
			Help:      "Feedback events processed",
		},
		[]string{"outcome", "result"},
	)

	// LearningFailuresTotal counts learning updates Heuristic Memory refused.
	LearningFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "feedback",
			Name:      "learning_failures_total",
			Help:      "Learning updates rejected by validation",
		},
	)
)
