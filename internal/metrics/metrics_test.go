package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobOutcome("committed")
	m.JobOutcome("committed")
	m.Candidate("table", "pass")
	m.Commit("rate", "inserted")
	m.AddExtractionCost(0.25)
	m.WatcherRun("federal_register", "complete", 3)
	m.ObserveEvaluate("ok", 5*time.Millisecond)
	m.CacheResult("hit")
	m.ObserveStage("render", time.Second)
	m.SetQueueDepth(map[string]int{"queued": 4})
	m.SetReviewBacklog(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobOutcomes.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Candidates.WithLabelValues("table", "pass")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ExtractionUSD))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.WatcherDiscovered.WithLabelValues("federal_register")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("queued")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.ReviewBacklog))

	n, err := testutil.GatherAndCount(reg, "tariff_pipeline_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobOutcome("failed")
		m.ObserveStage("fetch", time.Second)
		m.SetQueueDepth(map[string]int{"queued": 1})
		m.SetReviewBacklog(1)
	})
}
