package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hivemark"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queued items by retry readiness",
		},
		[]string{"state"},
	)

	queueEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evicted_total",
			Help:      "Total items evicted after exceeding the stuck-item threshold",
		},
	)
)

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats Stats) {
	queueSize.WithLabelValues("ready").Set(float64(stats.Ready))
	queueSize.WithLabelValues("waiting").Set(float64(stats.Waiting))
}

// RecordEvicted counts items dropped by stuck-item eviction.
func RecordEvicted(count int) {
	queueEvicted.Add(float64(count))
}
