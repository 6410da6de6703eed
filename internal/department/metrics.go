package department

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "department",
		Name:      "tasks_total",
		Help:      "Total number of finished tasks, by domain and outcome.",
	}, []string{"domain", "outcome"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "directord",
		Subsystem: "department",
		Name:      "task_duration_seconds",
		Help:      "Task execution time including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"domain"})
)
