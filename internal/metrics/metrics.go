// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	sectionsProcessedTotal *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	activeWorkers          prometheus.Gauge
	batchesCompletedTotal  prometheus.Counter
	reconcileAttemptsTotal prometheus.Counter
	versionsExtractedTotal prometheus.Counter
	ledgerRetriesTotal     *prometheus.CounterVec
	sectionsDiscovered     *prometheus.CounterVec

	once sync.Once
)

// Init registers the pipeline collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		sectionsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawcrawl_sections_processed_total",
				Help: "Sections processed by the extraction engine, labeled by outcome.",
			},
			[]string{"code", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lawcrawl_fetch_duration_seconds",
				Help:    "Duration of section page fetches.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lawcrawl_active_workers",
				Help: "Workers currently executing fetches.",
			},
		)

		batchesCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lawcrawl_batches_completed_total",
				Help: "Extraction batches completed and checkpointed.",
			},
		)

		reconcileAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lawcrawl_reconcile_attempts_total",
				Help: "Reconciliation retry attempts executed.",
			},
		)

		versionsExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lawcrawl_versions_extracted_total",
				Help: "Individual section versions extracted in stage 3.",
			},
		)

		ledgerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawcrawl_ledger_retries_total",
				Help: "Manual ledger retries, labeled by result.",
			},
			[]string{"result"},
		)

		sectionsDiscovered = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawcrawl_sections_discovered_total",
				Help: "Sections enumerated by stage 1 discovery.",
			},
			[]string{"code"},
		)
	})
}

// ObserveSection records one processed section.
func ObserveSection(code, outcome string) {
	if sectionsProcessedTotal == nil {
		return
	}
	sectionsProcessedTotal.WithLabelValues(code, outcome).Inc()
}

// ObserveFetch records one gateway fetch.
func ObserveFetch(outcome string, d time.Duration) {
	if fetchDurationSeconds == nil {
		return
	}
	fetchDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveBatch records a checkpointed batch.
func ObserveBatch() {
	if batchesCompletedTotal != nil {
		batchesCompletedTotal.Inc()
	}
}

// ObserveReconcileAttempt records one reconciliation attempt.
func ObserveReconcileAttempt() {
	if reconcileAttemptsTotal != nil {
		reconcileAttemptsTotal.Inc()
	}
}

// ObserveVersion records one extracted section version.
func ObserveVersion() {
	if versionsExtractedTotal != nil {
		versionsExtractedTotal.Inc()
	}
}

// ObserveLedgerRetry records a manual retry outcome ("succeeded"/"failed").
func ObserveLedgerRetry(result string) {
	if ledgerRetriesTotal != nil {
		ledgerRetriesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDiscovered records sections enumerated during discovery.
func ObserveDiscovered(code string, n int) {
	if sectionsDiscovered != nil {
		sectionsDiscovered.WithLabelValues(code).Add(float64(n))
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
