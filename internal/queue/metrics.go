package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_queue_operations_total",
		Help: "Queue operations by outcome",
	}, []string{"operation", "result"})
	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinic_queue_operation_duration_seconds",
		Help:    "Queue operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_queue_publish_failures_total",
		Help: "Lifecycle events the fanout hub did not accept",
	}, []string{"kind"})
)
