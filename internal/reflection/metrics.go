package reflection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts reflection cycles.
	// Labels: result (applied, no_proposals, rejected, insufficient_data, failed)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "reflection",
			Name:      "cycles_total",
			Help:      "Total number of reflection cycles by result",
		},
		[]string{"result"},
	)

	// IssuesTotal counts issues raised by reflection cycles.
	// Labels: kind
	IssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "reflection",
			Name:      "issues_total",
			Help:      "Total number of quality issues raised by reflection",
		},
		[]string{"kind"},
	)

	// CycleDuration tracks how long a cycle takes.
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "recond",
			Subsystem: "reflection",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reflection cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
