package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ordersSubmitted prometheus.Counter
	ordersRejected  *prometheus.CounterVec
	executions      prometheus.Counter
	matchedQuantity prometheus.Counter
	passDuration    prometheus.Histogram
	queueDepth      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		ordersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbook_orders_submitted_total",
			Help: "Orders accepted and committed to the book.",
		}),
		ordersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "matchbook_orders_rejected_total",
			Help: "Orders rejected before or during a matching pass.",
		}, []string{"reason"}),
		executions: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbook_executions_total",
			Help: "Executions produced by matching passes.",
		}),
		matchedQuantity: factory.NewCounter(prometheus.CounterOpts{
			Name: "matchbook_matched_quantity_total",
			Help: "Total quantity matched across all executions.",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchbook_matching_pass_duration_seconds",
			Help:    "Wall time of a submission's insert-and-match transaction.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "matchbook_submission_queue_depth",
			Help: "Submissions waiting for the matching worker.",
		}),
	}
}
