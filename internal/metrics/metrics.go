// Package metrics holds the Prometheus collectors for pools, generation and
// admission control.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pdfgate"

// Eviction reasons.
const (
	EvictIdle    = "idle"
	EvictAge     = "age"
	EvictDiscard = "discard"
	EvictDispose = "dispose"
)

var (
	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "generation_duration_seconds",
			Help:      "Time spent generating a PDF, by shard and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11),
		},
		[]string{"shard", "outcome"},
	)
	outputBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "output_bytes",
			Help:      "Size of generated PDFs.",
			Buckets:   prometheus.ExponentialBuckets(4<<10, 4, 8),
		},
		[]string{"shard"},
	)
	poolHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "handles",
			Help:      "Live page handles by state.",
		},
		[]string{"pool", "state"},
	)
	acquireWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time callers waited for a page handle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"pool"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Handles removed from a pool, by reason.",
		},
		[]string{"pool", "reason"},
	)
	evictionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "eviction_failures_total",
			Help:      "Page close errors swallowed during eviction or dispose.",
		},
		[]string{"pool"},
	)
	admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected before generation, by reason.",
		},
		[]string{"reason"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Result cache lookups, by result.",
		},
		[]string{"result"},
	)
)

var registerMetrics sync.Once

// Register adds every collector to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(
			generationDuration,
			outputBytes,
			poolHandles,
			acquireWait,
			evictions,
			evictionFailures,
			admissionRejections,
			cacheLookups,
		)
	})
}

// RecordGeneration records one finished generation.
func RecordGeneration(shard, outcome string, d time.Duration) {
	generationDuration.WithLabelValues(shard, outcome).Observe(d.Seconds())
}

// RecordOutputBytes records the size of a generated PDF.
func RecordOutputBytes(shard string, n int) {
	outputBytes.WithLabelValues(shard).Observe(float64(n))
}

// SetPoolHandles publishes the idle and in-use handle counts of a pool.
func SetPoolHandles(pool string, idle, inUse int) {
	poolHandles.WithLabelValues(pool, "idle").Set(float64(idle))
	poolHandles.WithLabelValues(pool, "in_use").Set(float64(inUse))
}

// RecordAcquireWait records how long an Acquire call waited.
func RecordAcquireWait(pool string, d time.Duration) {
	acquireWait.WithLabelValues(pool).Observe(d.Seconds())
}

// RecordEviction counts n handles evicted for reason.
func RecordEviction(pool, reason string, n int) {
	if n <= 0 {
		return
	}
	evictions.WithLabelValues(pool, reason).Add(float64(n))
}

// RecordEvictionFailure counts a swallowed page close error.
func RecordEvictionFailure(pool string) {
	evictionFailures.WithLabelValues(pool).Inc()
}

// RecordAdmissionRejection counts a request rejected by quota or rate limit.
func RecordAdmissionRejection(reason string) {
	admissionRejections.WithLabelValues(reason).Inc()
}

// RecordCacheLookup counts a result cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}
