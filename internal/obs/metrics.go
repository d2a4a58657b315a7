package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Posting engine metrics.
var (
	postingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postings_total",
			Help: "Total number of successful ledger postings.",
		},
		[]string{"module", "type"},
	)

	postingFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posting_failures_total",
			Help: "Total number of rejected or rolled-back postings.",
		},
		[]string{"module"},
	)

	voidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voids_total",
			Help: "Total number of voided transactions.",
		},
		[]string{"module"},
	)

	postingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "posting_duration_seconds",
			Help:    "Posting latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"module"},
	)

	auditTrailBuildsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_trail_builds_total",
		Help: "Total number of audit trail reconstructions.",
	})
)

// Init registers the metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		postingsTotal, postingFailuresTotal, voidsTotal,
		postingDuration, auditTrailBuildsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePosting records one successful posting and its latency.
func ObservePosting(module, tranType string, d time.Duration) {
	postingsTotal.WithLabelValues(module, tranType).Inc()
	postingDuration.WithLabelValues(module).Observe(d.Seconds())
}

// ObservePostingFailure records one rejected or rolled-back posting.
func ObservePostingFailure(module string) {
	postingFailuresTotal.WithLabelValues(module).Inc()
}

// ObserveVoid records one voided transaction.
func ObserveVoid(module string) {
	voidsTotal.WithLabelValues(module).Inc()
}

// ObserveTrailBuild records one audit trail reconstruction.
func ObserveTrailBuild() {
	auditTrailBuildsTotal.Inc()
}
