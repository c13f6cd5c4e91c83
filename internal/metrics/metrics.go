// Package metrics exposes Prometheus instruments for the pipeline, the
// watchers and the evaluation API. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument.
type Metrics struct {
	StageDuration *prometheus.HistogramVec
	JobOutcomes   *prometheus.CounterVec
	Candidates    *prometheus.CounterVec
	Commits       *prometheus.CounterVec
	ExtractionUSD prometheus.Counter

	WatcherRuns       *prometheus.CounterVec
	WatcherDiscovered *prometheus.CounterVec

	EvaluateLatency prometheus.Histogram
	Evaluations     *prometheus.CounterVec
	CacheRequests   *prometheus.CounterVec

	QueueDepth    *prometheus.GaugeVec
	ReviewBacklog prometheus.Gauge
}

// New registers all instruments with reg. Pass prometheus.DefaultRegisterer
// in the binary and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tariff_pipeline_stage_duration_seconds",
			Help:    "Duration of document pipeline stages",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),

		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_pipeline_jobs_total",
			Help: "Ingest jobs by final outcome of a pipeline run",
		}, []string{"outcome"}), // committed, needs_review, unchanged, retry, failed

		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_extraction_candidates_total",
			Help: "Extraction candidates by extractor and gate decision",
		}, []string{"extractor", "decision"}),

		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_commits_total",
			Help: "Ledger commits by kind and outcome",
		}, []string{"kind", "outcome"}),

		ExtractionUSD: f.NewCounter(prometheus.CounterOpts{
			Name: "tariff_extraction_cost_usd_total",
			Help: "Model spend of narrative extraction in USD",
		}),

		WatcherRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_watcher_runs_total",
			Help: "Watcher polls by watcher and status",
		}, []string{"watcher", "status"}),

		WatcherDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_watcher_discovered_total",
			Help: "Documents discovered by watcher",
		}, []string{"watcher"}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tariff_evaluate_duration_seconds",
			Help:    "Duration of tariff evaluations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_evaluations_total",
			Help: "Evaluations by result",
		}, []string{"result"}), // ok, invalid, error

		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tariff_evalcache_requests_total",
			Help: "Evaluation cache lookups by result",
		}, []string{"result"}), // hit, miss, error

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tariff_queue_jobs",
			Help: "Ingest jobs by status",
		}, []string{"status"}),

		ReviewBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "tariff_review_backlog",
			Help: "Candidates waiting for review",
		}),
	}
}

// ObserveStage records one stage run.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// JobOutcome counts a finished pipeline run.
func (m *Metrics) JobOutcome(outcome string) {
	if m != nil {
		m.JobOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Candidate counts one gated candidate.
func (m *Metrics) Candidate(extractor, decision string) {
	if m != nil {
		m.Candidates.WithLabelValues(extractor, decision).Inc()
	}
}

// Commit counts one ledger write.
func (m *Metrics) Commit(kind, outcome string) {
	if m != nil {
		m.Commits.WithLabelValues(kind, outcome).Inc()
	}
}

// AddExtractionCost adds model spend.
func (m *Metrics) AddExtractionCost(usd float64) {
	if m != nil && usd > 0 {
		m.ExtractionUSD.Add(usd)
	}
}

// WatcherRun counts one poll and what it found.
func (m *Metrics) WatcherRun(watcher, status string, discovered int) {
	if m != nil {
		m.WatcherRuns.WithLabelValues(watcher, status).Inc()
		m.WatcherDiscovered.WithLabelValues(watcher).Add(float64(discovered))
	}
}

// ObserveEvaluate records one evaluation.
func (m *Metrics) ObserveEvaluate(result string, d time.Duration) {
	if m != nil {
		m.Evaluations.WithLabelValues(result).Inc()
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// CacheResult counts one cache lookup.
func (m *Metrics) CacheResult(result string) {
	if m != nil {
		m.CacheRequests.WithLabelValues(result).Inc()
	}
}

// SetQueueDepth replaces the per-status job gauges.
func (m *Metrics) SetQueueDepth(counts map[string]int) {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// SetReviewBacklog sets the review backlog gauge.
func (m *Metrics) SetReviewBacklog(n int) {
	if m != nil {
		m.ReviewBacklog.Set(float64(n))
	}
}
