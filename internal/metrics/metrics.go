// Package metrics exposes Prometheus collectors for the aggregator service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	providerCallsTotal     *prometheus.CounterVec
	providerCallSeconds    *prometheus.HistogramVec
	quotaDenialsTotal      prometheus.Counter
	rateLimitDelaySeconds  *prometheus.HistogramVec
	backfillJobsTotal      *prometheus.CounterVec
	syntheticRecordsTotal  prometheus.Counter
	lockContentionsTotal   prometheus.Counter
	responseCacheHitsTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_provider_calls_total",
				Help: "Provider calls, labeled by provider, capability and outcome.",
			},
			[]string{"provider", "capability", "outcome"},
		)

		providerCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregator_provider_call_seconds",
				Help:    "Histogram of provider call latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"provider"},
		)

		quotaDenialsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregator_quota_denials_total",
				Help: "Reservations denied by the daily quota budget.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregator_rate_limit_delay_seconds",
				Help:    "Histogram of waits imposed by the distributed rate limiter.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"provider"},
		)

		backfillJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_backfill_jobs_total",
				Help: "Backfill jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		syntheticRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregator_synthetic_records_total",
				Help: "Candidates persisted unresolved because the budget was exhausted.",
			},
		)

		lockContentionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregator_lock_contentions_total",
				Help: "Month locks found already held by another processor.",
			},
		)

		responseCacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_response_cache_hits_total",
				Help: "Provider response cache lookups, labeled by namespace and result.",
			},
			[]string{"namespace", "result"},
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveProviderCall records one provider call with its outcome and latency.
func ObserveProviderCall(provider string, capability string, outcome string, d time.Duration) {
	Init()
	providerCallsTotal.WithLabelValues(provider, capability, outcome).Inc()
	providerCallSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// IncQuotaDenied counts a quota rejection.
func IncQuotaDenied() {
	Init()
	quotaDenialsTotal.Inc()
}

// ObserveRateLimitDelay records the wait imposed before a provider call.
func ObserveRateLimitDelay(provider string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(provider).Observe(d.Seconds())
}

// IncBackfillJob counts a finished job by terminal status.
func IncBackfillJob(status string) {
	Init()
	backfillJobsTotal.WithLabelValues(status).Inc()
}

// AddSyntheticRecords counts candidates persisted via the degraded path.
func AddSyntheticRecords(n int) {
	Init()
	syntheticRecordsTotal.Add(float64(n))
}

// IncLockContention counts a month already owned by another processor.
func IncLockContention() {
	Init()
	lockContentionsTotal.Inc()
}

// IncResponseCache counts a cache hit or miss for a namespace.
func IncResponseCache(namespace string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	responseCacheHitsTotal.WithLabelValues(namespace, result).Inc()
}
