// Package metrics holds the Prometheus instrumentation of the coordinated
// pair: transaction outcomes, pool occupancy, limiter admission waits, backend
// health and the error journal by code. One Registry is built at process start
// and handed to whoever records or serves metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics of the coordinated pair.
type Registry struct {
	// Transaction metrics.
	TransactionsTotal  *prometheus.CounterVec
	CommitDuration     prometheus.Histogram
	CompensationsTotal prometheus.Counter
	ManualReviewsTotal prometheus.Counter
	RecoveredTotal     *prometheus.CounterVec

	// Resource metrics.
	PoolOpen           *prometheus.GaugeVec
	PoolLeased         *prometheus.GaugeVec
	PoolWaiting        *prometheus.GaugeVec
	LimiterWaitSeconds *prometheus.HistogramVec

	// Failure metrics.
	ErrorRecordsTotal *prometheus.CounterVec

	// Health metrics.
	BackendUp *prometheus.GaugeVec
	Healthy   prometheus.Gauge

	registry *prometheus.Registry
}

// New builds a Registry with every metric registered on a fresh Prometheus
// registry, so tests and multiple instances never collide on the default one.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.TransactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_transactions_total",
			Help: "Coordinated transactions by terminal status",
		},
		[]string{"status"},
	)
	r.CommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duet_commit_duration_seconds",
			Help:    "Wall time of CommitAll from commit start to terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)
	r.CompensationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "duet_compensations_total",
			Help: "Partial commits repaired by compensating the committed participant",
		},
	)
	r.ManualReviewsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "duet_manual_reviews_total",
			Help: "Transactions whose compensation failed and were flagged for manual review",
		},
	)
	r.RecoveredTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_recovered_transactions_total",
			Help: "Abandoned transactions resolved by the recovery sweep, by resolution",
		},
		[]string{"resolution"},
	)

	r.PoolOpen = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duet_pool_open_connections",
			Help: "Open connections per backend pool",
		},
		[]string{"pool"},
	)
	r.PoolLeased = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duet_pool_leased_connections",
			Help: "Leased (in use) connections per backend pool",
		},
		[]string{"pool"},
	)
	r.PoolWaiting = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duet_pool_waiting_callers",
			Help: "Callers suspended waiting for pool capacity",
		},
		[]string{"pool"},
	)
	r.LimiterWaitSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duet_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter token per backend",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"backend"},
	)

	r.ErrorRecordsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "duet_error_records_total",
			Help: "Journaled error records by code",
		},
		[]string{"code"},
	)

	r.BackendUp = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duet_backend_up",
			Help: "Backend liveness per the health monitor (1 alive, 0 down)",
		},
		[]string{"backend"},
	)
	r.Healthy = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "duet_healthy",
			Help: "1 when every monitored backend is alive",
		},
	)

	return r
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
