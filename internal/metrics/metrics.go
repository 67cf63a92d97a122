// Package metrics declares the Prometheus collectors of the allocation path.
//
// Labels stay low-cardinality: tenant ids and outcomes only, never user or
// device identifiers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DispatchRequests counts dispatch calls by tenant and outcome
	// (ok, partial, quota_exceeded, exhausted, busy, error).
	DispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_dispatch_requests_total",
			Help: "Dispatch requests by outcome.",
		},
		[]string{"tenant", "outcome"},
	)

	// DispatchedIDs counts identifiers handed out, split by where the
	// candidate came from (cache or store).
	DispatchedIDs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_dispatched_ids_total",
			Help: "Identifiers dispatched, by candidate source.",
		},
		[]string{"tenant", "source"},
	)

	// DispatchDuration observes end-to-end dispatch latency.
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idpool_dispatch_duration_seconds",
			Help:    "Duration of dispatch calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant"},
	)

	// ClaimRounds observes how many store claim rounds a dispatch needed.
	ClaimRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idpool_claim_rounds",
			Help:    "Store claim rounds per dispatch.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	// CacheErrors counts cache calls that failed and were treated as a miss.
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_cache_errors_total",
			Help: "Cache operations that failed and fell back to the store.",
		},
		[]string{"op"},
	)

	// PostClaimFailures counts failures after ids were already claimed
	// (log append, cache update, counter bump). Reconcile repairs the log.
	PostClaimFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_post_claim_failures_total",
			Help: "Failures that happened after identifiers were claimed.",
		},
		[]string{"step"},
	)

	// DataIntegrityErrors counts records with an undecodable extension payload.
	DataIntegrityErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idpool_data_integrity_errors_total",
			Help: "Records whose stored additional fields could not be decoded.",
		},
	)

	// ReconciledIDs counts log rows written by reconciliation.
	ReconciledIDs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idpool_reconciled_ids_total",
			Help: "Claimed identifiers whose missing log rows were recovered.",
		},
		[]string{"tenant"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchRequests,
		DispatchedIDs,
		DispatchDuration,
		ClaimRounds,
		CacheErrors,
		PostClaimFailures,
		DataIntegrityErrors,
		ReconciledIDs,
	)
}
