package contextstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contextItemsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "context",
		Name:      "items_added_total",
		Help:      "Total number of context items stored, by item type.",
	}, []string{"type"})

	contextConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "context",
		Name:      "conflicts_total",
		Help:      "Total number of context conflicts detected, by type and severity.",
	}, []string{"type", "severity"})
)
