package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce         sync.Once
	transferLegCounter   *prometheus.CounterVec
	pendingGroupsGauge   prometheus.Gauge
	settlementHistogram  *prometheus.HistogramVec
	compensationCounter  *prometheus.CounterVec
	rateFetchCounter     *prometheus.CounterVec
	rateCacheCounter     *prometheus.CounterVec
	workerRunCounter     *prometheus.CounterVec
	poolOverflowCounter  prometheus.Counter
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		transferLegCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_legs_total",
			Help: "Transfer legs persisted, by type",
		}, []string{"type"})

		pendingGroupsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_pending_groups",
			Help: "Transfer groups debited but not yet deposited or refunded",
		})

		settlementHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transfer_settlement_duration_seconds",
			Help:    "Deposit settlement latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"})

		compensationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_compensations_total",
			Help: "Compensation outcomes for failed transfer groups",
		}, []string{"outcome"})

		rateFetchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_rate_fetches_total",
			Help: "Outbound rate provider fetches",
		}, []string{"provider", "result"})

		rateCacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fx_rate_cache_events_total",
			Help: "Rate cache hits, waits and wait timeouts",
		}, []string{"event"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		poolOverflowCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_pool_overflow_total",
			Help: "Settlement tasks run on the caller because the queue was full",
		})

		prometheus.MustRegister(
			transferLegCounter,
			pendingGroupsGauge,
			settlementHistogram,
			compensationCounter,
			rateFetchCounter,
			rateCacheCounter,
			workerRunCounter,
			poolOverflowCounter,
		)
	})
}

func IncrementTransferLeg(legType string) {
	if transferLegCounter == nil {
		return
	}
	transferLegCounter.WithLabelValues(legType).Inc()
}

func SetPendingGroups(count int64) {
	if pendingGroupsGauge == nil {
		return
	}
	pendingGroupsGauge.Set(float64(count))
}

func ObserveSettlement(result string, duration time.Duration) {
	if settlementHistogram == nil {
		return
	}
	settlementHistogram.WithLabelValues(result).Observe(duration.Seconds())
}

func IncrementCompensation(outcome string) {
	if compensationCounter == nil {
		return
	}
	compensationCounter.WithLabelValues(outcome).Inc()
}

func IncrementRateFetch(provider, result string) {
	if rateFetchCounter == nil {
		return
	}
	rateFetchCounter.WithLabelValues(provider, result).Inc()
}

func IncrementRateCacheEvent(event string) {
	if rateCacheCounter == nil {
		return
	}
	rateCacheCounter.WithLabelValues(event).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

func IncrementPoolOverflow() {
	if poolOverflowCounter == nil {
		return
	}
	poolOverflowCounter.Inc()
}
