package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "bus",
		Name:      "messages_published_total",
		Help:      "Total number of messages accepted for delivery.",
	})

	messagesAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "bus",
		Name:      "messages_acknowledged_total",
		Help:      "Total number of messages delivered and acknowledged.",
	})

	messagesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "directord",
		Subsystem: "bus",
		Name:      "messages_rejected_total",
		Help:      "Total number of messages moved to the error store.",
	})

	messagesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "directord",
		Subsystem: "bus",
		Name:      "messages_pending",
		Help:      "Number of messages currently waiting for delivery.",
	})

	deliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "directord",
		Subsystem: "bus",
		Name:      "delivery_latency_seconds",
		Help:      "Time from publish to acknowledgement.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)
