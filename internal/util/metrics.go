package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "login_failures_total",
		Help: "Total number of failed login attempts recorded by the rate limiter",
	})

	LoginLockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "login_lockouts_total",
		Help: "Total number of lockouts started by the rate limiter",
	})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_lookups_total",
		Help: "Offline cache lookups by tier and outcome",
	}, []string{"tier", "outcome"})

	CacheFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_cache_fallbacks_total",
		Help: "Fetches served from cache because the network was unavailable or failed",
	}, []string{"reason"})

	StorageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "local_storage_errors_total",
		Help: "Local durable storage failures by operation",
	}, []string{"op"})

	CouponValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_validations_total",
		Help: "Coupon validation outcomes",
	}, []string{"result"})

	CartReconciliationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_reconciliations_total",
		Help: "Total number of live cart reconciliations",
	})

	CartPriceDriftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_price_drift_lines_total",
		Help: "Cart lines whose live price differed from the stored price",
	})

	CartUnavailableLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_unavailable_lines_total",
		Help: "Cart lines whose product no longer exists",
	})

	CatalogFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_fetch_latency_seconds",
		Help:    "Latency of authoritative product fetches",
		Buckets: prometheus.DefBuckets,
	})

	AbandonedCartSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abandoned_cart_syncs_total",
		Help: "Abandoned cart snapshot syncs by trigger and result",
	}, []string{"trigger", "result"})

	CartsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abandoned_carts_recovered_total",
		Help: "Total number of abandoned cart snapshots marked recovered",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
