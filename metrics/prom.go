package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_paste_created_total",
			Help: "no. of pastes created, by storage tier",
		},
		[]string{"tier"},
	)
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_paste_retrieved_total",
			Help: "no. of pastes retrieved, by storage tier",
		},
		[]string{"tier"},
	)
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_paste_deleted_total",
		Help: "no. of pastes deleted on request",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_id_collisions_total",
		Help: "no. of id draws rejected by the store as duplicates",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_sweep_cycles_total",
		Help: "no. of expiration sweep passes",
	})
	SweepReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_sweep_reclaimed_total",
		Help: "no. of expired pastes reclaimed by the sweeper",
	})
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_sweep_failures_total",
		Help: "no. of expired pastes the sweeper failed to reclaim",
	})
	BlobCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_blob_cache_hits_total",
			Help: "no. of blob cache hits, by cache layer",
		},
		[]string{"layer"},
	)
	BlobCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stashbin_blob_cache_misses_total",
		Help: "no. of blob reads that reached the object store",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stashbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
)
