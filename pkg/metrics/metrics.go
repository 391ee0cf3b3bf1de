package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_batch_runs_total",
			Help: "Batch processor runs by outcome (ok, failed, skipped).",
		},
		[]string{"outcome"},
	)

	RequestsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_requests_processed_total",
			Help: "Deferred requests that reached processed.",
		},
		[]string{"type"},
	)

	RequestsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_requests_failed_total",
			Help: "Processing attempts rolled back to pending.",
		},
		[]string{"type"},
	)

	RequestsDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_requests_deferred_total",
			Help: "Requests written to the deferral queue on arrival.",
		},
		[]string{"type"},
	)

	RequestsAnswered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_requests_answered_total",
			Help: "Requests answered on arrival by the immediate path.",
		},
		[]string{"type"},
	)

	RequestsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "verifier_requests_skipped_total",
			Help: "Pending requests left untouched because their account was not live.",
		},
	)

	BatchRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "verifier_batch_run_duration_seconds",
			Help:    "Wall time of a batch processor run.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

var liveOnce sync.Once

func init() {
	prometheus.MustRegister(
		BatchRuns,
		RequestsProcessed,
		RequestsFailed,
		RequestsDeferred,
		RequestsAnswered,
		RequestsSkipped,
		BatchRunDuration,
		heapAlloc,
	)
}

// RegisterLiveAccounts exposes the number of live accounts as a gauge.
// Only the first call registers.
func RegisterLiveAccounts(count func() int) {
	liveOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "verifier_live_accounts",
				Help: "Accounts currently reachable for sending answers.",
			},
			func() float64 { return float64(count()) },
		))
	})
}
