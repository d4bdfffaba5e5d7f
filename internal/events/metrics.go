package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedTotal counts published events by kind and result.
	PublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to the bus",
		},
		[]string{"kind", "result"},
	)

	// FeedbackReceivedTotal counts consumed feedback messages by result.
	FeedbackReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "recond",
			Subsystem: "events",
			Name:      "feedback_received_total",
			Help:      "Feedback messages consumed from the bus",
		},
		[]string{"result"},
	)
)
