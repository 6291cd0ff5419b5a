// Package metrics holds the process-wide Prometheus collectors, registered
// at import time via promauto the way the rest of the stack does it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omegaupload_paste_retrieved_total",
			Help: "no. of pastes retrieved, by access mode",
		},
		[]string{"mode"}, // "get" or "take"
	)
	PasteDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omegaupload_paste_deleted_total",
			Help: "no. of pastes deleted, by reason",
		},
		[]string{"reason"}, // "requested", "burned", "expired", "corrupt"
	)

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_read_cache_hits_total",
		Help: "no. of read-through cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_read_cache_misses_total",
		Help: "no. of read-through cache misses",
	})

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omegaupload_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omegaupload_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	AnomalyFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omegaupload_anomaly_flags_total",
			Help: "no. of requests flagged by the sliding-window anomaly detector",
		},
		[]string{"reason"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omegaupload_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})

	ReaperSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_reaper_sweeps_total",
		Help: "no. of reaper sweep cycles completed",
	})
	ReaperDeletedExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_reaper_deleted_expired_total",
		Help: "no. of records the reaper deleted for being time-expired",
	})
	ReaperDeletedCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_reaper_deleted_corrupt_total",
		Help: "no. of records the reaper deleted for being undecodable",
	})

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omegaupload_store_operation_duration_seconds",
			Help:    "bbolt store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // "get", "take", "put", "delete", "scan"
	)
	StoreKeyCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omegaupload_store_key_count",
		Help: "no. of keys currently in the store",
	})

	EnvelopeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omegaupload_envelope_operations_total",
			Help: "no. of at-rest envelope seal/open operations",
		},
		[]string{"operation", "result"}, // operation: seal/open, result: ok/error
	)
	KEKCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_kek_cache_hits_total",
		Help: "no. of KEK cache hits",
	})
	KEKCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omegaupload_kek_cache_misses_total",
		Help: "no. of KEK cache misses requiring a KMS round trip",
	})
)

func Init() {}
