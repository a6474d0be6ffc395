// Package metrics exposes Prometheus collectors for the crawl daemon.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquiresTotal        *prometheus.CounterVec
	rateWaitSeconds      *prometheus.HistogramVec
	upstreamRequests     *prometheus.CounterVec
	recordsStoredTotal   *prometheus.CounterVec
	schedulerTransitions *prometheus.CounterVec
	stackDepth           *prometheus.GaugeVec
	aggregateFlushes     prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		acquiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchminer_rate_acquires_total",
				Help: "Rate limiter acquire outcomes, labeled by scope, class, and result.",
			},
			[]string{"scope", "class", "result"},
		)

		rateWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchminer_rate_wait_seconds",
				Help:    "Time spent waiting for rate-budget headroom, labeled by scope.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"scope"},
		)

		upstreamRequests = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchminer_upstream_requests_total",
				Help: "Upstream record-API requests, labeled by region, endpoint, and outcome.",
			},
			[]string{"region", "endpoint", "outcome"},
		)

		recordsStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchminer_records_stored_total",
				Help: "New match records written to the durable store, labeled by region.",
			},
			[]string{"region"},
		)

		schedulerTransitions = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchminer_scheduler_transitions_total",
				Help: "Crawl scheduler state transitions, labeled by region and state.",
			},
			[]string{"region", "state"},
		)

		stackDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchminer_stack_depth",
				Help: "Current crawl-stack depth per region.",
			},
			[]string{"region"},
		)

		aggregateFlushes = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "matchminer_aggregate_flushes_total",
				Help: "Aggregate-buffer drains completed.",
			},
		)
	})
}

// ObserveAcquire records one acquire outcome (granted, timeout, failopen, canceled).
func ObserveAcquire(scope, class, result string) {
	if acquiresTotal == nil {
		return
	}
	acquiresTotal.WithLabelValues(scope, class, result).Inc()
}

// ObserveRateWait records time spent suspended waiting for window headroom.
func ObserveRateWait(scope string, d time.Duration) {
	if rateWaitSeconds == nil {
		return
	}
	rateWaitSeconds.WithLabelValues(scope).Observe(d.Seconds())
}

// ObserveUpstreamRequest records an upstream call outcome.
func ObserveUpstreamRequest(region, endpoint, outcome string) {
	if upstreamRequests == nil {
		return
	}
	upstreamRequests.WithLabelValues(region, endpoint, outcome).Inc()
}

// AddRecordsStored counts newly stored match records.
func AddRecordsStored(region string, n int) {
	if recordsStoredTotal == nil || n <= 0 {
		return
	}
	recordsStoredTotal.WithLabelValues(region).Add(float64(n))
}

// ObserveTransition counts one scheduler state transition.
func ObserveTransition(region, state string) {
	if schedulerTransitions == nil {
		return
	}
	schedulerTransitions.WithLabelValues(region, state).Inc()
}

// SetStackDepth tracks the crawl-stack depth for a region.
func SetStackDepth(region string, depth int) {
	if stackDepth == nil {
		return
	}
	stackDepth.WithLabelValues(region).Set(float64(depth))
}

// IncAggregateFlush counts one aggregate-buffer drain.
func IncAggregateFlush() {
	if aggregateFlushes == nil {
		return
	}
	aggregateFlushes.Inc()
}
