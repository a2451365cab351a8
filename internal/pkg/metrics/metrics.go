// Package metrics holds the Prometheus collectors shared across the
// daemon. Queue and delivery specific collectors live next to the code
// that records them.
package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hivemark"

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbPoolAcquired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_acquired_connections",
		Help:      "Number of currently acquired connections in the pool.",
	})

	dbPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_idle_connections",
		Help:      "Number of idle connections in the pool.",
	})

	dbPoolTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "pool_total_connections",
		Help:      "Total number of connections in the pool.",
	})
)

// ObserveHTTPRequest records one completed HTTP request.
func ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// RecordPoolStats publishes the current pgx pool statistics. Called
// periodically when the postgres queue backend is active.
func RecordPoolStats(pool *pgxpool.Pool) {
	stat := pool.Stat()
	dbPoolAcquired.Set(float64(stat.AcquiredConns()))
	dbPoolIdle.Set(float64(stat.IdleConns()))
	dbPoolTotal.Set(float64(stat.TotalConns()))
}
