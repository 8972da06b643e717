package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_queue_fanout_events_published_total",
		Help: "Events accepted by the fanout hub",
	}, []string{"kind"})
	deliveriesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clinic_queue_fanout_deliveries_total",
		Help: "Events handed to subscribers",
	})
	deliveriesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clinic_queue_fanout_dropped_total",
		Help: "Events lost because a buffer was full",
	}, []string{"reason"})
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clinic_queue_fanout_subscribers",
		Help: "Currently registered subscribers",
	})
)
