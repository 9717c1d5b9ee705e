// Package metrics exposes Prometheus instrumentation for the crawl
// coordinator and its workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric emitted by this module.
const Namespace = "bizcrawl"

// Metrics holds all Prometheus instruments for the crawl runtime.
type Metrics struct {
	// Target lifecycle
	TargetsAcquiredTotal  *prometheus.CounterVec
	TargetsCompletedTotal *prometheus.CounterVec
	TargetsFailedTotal    *prometheus.CounterVec
	TargetsCooldownTotal  *prometheus.CounterVec
	TargetDurationSeconds *prometheus.HistogramVec
	OrphansRecoveredTotal prometheus.Counter

	// Page work
	PagesCheckpointedTotal *prometheus.CounterVec
	RecordsUpsertedTotal   *prometheus.CounterVec
	FetchOutcomesTotal     *prometheus.CounterVec

	// Worker pool
	WorkersActive prometheus.Gauge
	WorkersTotal  prometheus.Gauge

	// Throttling
	QuarantinedDomains  prometheus.Gauge
	RateLimitWaitsTotal *prometheus.CounterVec
	ProxiesUsable       prometheus.Gauge
	ProxiesBlacklisted  prometheus.Gauge
}

// New creates and registers all crawl metrics. A nil registerer falls back to
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initTargetMetrics(factory)
	m.initPageMetrics(factory)
	m.initWorkerMetrics(factory)
	m.initThrottleMetrics(factory)

	return m
}

func (m *Metrics) initTargetMetrics(factory promauto.Factory) {
	m.TargetsAcquiredTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "targets_acquired_total",
			Help:      "Total number of crawl targets claimed by workers",
		},
		[]string{"partition"},
	)

	m.TargetsCompletedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "targets_completed_total",
			Help:      "Total number of crawl targets finished",
		},
		[]string{"partition"},
	)

	m.TargetsFailedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "targets_failed_total",
			Help:      "Total number of crawl targets released after an error",
		},
		[]string{"partition"},
	)

	m.TargetsCooldownTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "targets_cooldown_total",
			Help:      "Total number of crawl targets parked for anti-bot cooldown",
		},
		[]string{"reason"},
	)

	m.TargetDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "target_duration_seconds",
			Help:      "Wall time spent working one claimed target",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"partition"},
	)

	m.OrphansRecoveredTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "orphans_recovered_total",
			Help:      "Total number of stale-heartbeat claims returned to the queue",
		},
	)
}

func (m *Metrics) initPageMetrics(factory promauto.Factory) {
	m.PagesCheckpointedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pages_checkpointed_total",
			Help:      "Total number of result pages committed",
		},
		[]string{"partition"},
	)

	m.RecordsUpsertedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "records_upserted_total",
			Help:      "Total listing records written, by upsert disposition",
		},
		[]string{"disposition"}, // inserted, updated, skipped
	)

	m.FetchOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_outcomes_total",
			Help:      "Total page fetches, by classified outcome",
		},
		[]string{"outcome"},
	)
}

func (m *Metrics) initWorkerMetrics(factory promauto.Factory) {
	m.WorkersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "workers_active",
			Help:      "Number of workers currently holding a claimed target",
		},
	)

	m.WorkersTotal = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "workers_total",
			Help:      "Configured size of the worker pool",
		},
	)
}

func (m *Metrics) initThrottleMetrics(factory promauto.Factory) {
	m.QuarantinedDomains = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "quarantined_domains",
			Help:      "Number of domains currently under quarantine",
		},
	)

	m.RateLimitWaitsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Total times a worker slept waiting for bucket tokens",
		},
		[]string{"key"},
	)

	m.ProxiesUsable = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "proxies_usable",
			Help:      "Number of proxies currently eligible for assignment",
		},
	)

	m.ProxiesBlacklisted = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "proxies_blacklisted",
			Help:      "Number of proxies currently blacklisted",
		},
	)
}

// RecordAcquire records one successful claim.
func (m *Metrics) RecordAcquire(partition string) {
	m.TargetsAcquiredTotal.WithLabelValues(partition).Inc()
	m.WorkersActive.Inc()
}

// RecordRelease records a claim ending and the time spent holding it.
func (m *Metrics) RecordRelease(partition string, durationSeconds float64) {
	m.WorkersActive.Dec()
	m.TargetDurationSeconds.WithLabelValues(partition).Observe(durationSeconds)
}

// RecordCheckpoint records one committed page and its record dispositions.
func (m *Metrics) RecordCheckpoint(partition string, inserted, updated, skipped int) {
	m.PagesCheckpointedTotal.WithLabelValues(partition).Inc()
	m.RecordsUpsertedTotal.WithLabelValues("inserted").Add(float64(inserted))
	m.RecordsUpsertedTotal.WithLabelValues("updated").Add(float64(updated))
	m.RecordsUpsertedTotal.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordFetchOutcome records one classified fetch.
func (m *Metrics) RecordFetchOutcome(outcome string) {
	m.FetchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetProxyCounts updates the proxy pool gauges.
func (m *Metrics) SetProxyCounts(usable, blacklisted int) {
	m.ProxiesUsable.Set(float64(usable))
	m.ProxiesBlacklisted.Set(float64(blacklisted))
}
