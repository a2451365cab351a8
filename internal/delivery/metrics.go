package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hivemark"

var (
	deliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total delivery attempts by classified outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempt_duration_seconds",
			Help:      "Time spent on one delivery attempt",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	flushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "flushes_total",
			Help:      "Total flush cycles that attempted at least one item",
		},
	)
)

func recordDelivery(kind OutcomeKind, duration time.Duration) {
	deliveryOutcomes.WithLabelValues(string(kind)).Inc()
	deliveryDuration.Observe(duration.Seconds())
}

func recordFlush() {
	flushes.Inc()
}
