package director

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workflowOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "director",
		Name:      "workflows_total",
		Help:      "Workflows finished, by outcome.",
	}, []string{"outcome"})

	stepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "director",
		Name:      "step_retries_total",
		Help:      "Step retry attempts, by step type.",
	}, []string{"type"})

	gateResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "director",
		Name:      "gate_results_total",
		Help:      "Quality gate evaluations, by gate and verdict.",
	}, []string{"gate", "verdict"})
)
