package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

var collectedAt = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// mockFacts implements FactSource for testing.
type mockFacts struct {
	programs []model.Program
	last     map[string]time.Time
	review   int
	err      error
}

func (m *mockFacts) ListPrograms(context.Context) ([]model.Program, error) {
	return m.programs, m.err
}

func (m *mockFacts) LastCommitted(context.Context) (map[string]time.Time, error) {
	return m.last, nil
}

func (m *mockFacts) ListCandidates(_ context.Context, f store.CandidateFilter) ([]model.Candidate, error) {
	if f.Status != model.CandidateNeedsReview {
		return nil, nil
	}
	return make([]model.Candidate, m.review), nil
}

type mockWatchers struct {
	health []watcher.Health
}

func (m *mockWatchers) Health(context.Context) ([]watcher.Health, error) { return m.health, nil }

func testFacts() *mockFacts {
	return &mockFacts{
		programs: []model.Program{
			{ID: "s301", Name: "Section 301"},
			{ID: "ieepa_fentanyl", Name: "IEEPA Fentanyl"},
		},
		last:   map[string]time.Time{"s301": collectedAt.Add(-6 * time.Hour)},
		review: 3,
	}
}

func TestCollector_Freshness(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Options{MaxAttempts: 3})
	_, _, err := q.Enqueue(ctx, model.Descriptor{
		Source: "federal_register", ExternalID: "2025-04567", URLs: []string{"https://fr.test/a.xml"},
		Tier: model.TierBinding, ContentHash: "h1", PublishedAt: model.MustDate("2025-03-05"),
	}, queue.EnqueueOptions{})
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	w := &mockWatchers{health: []watcher.Health{{Watcher: "csms", Breaker: "closed"}}}
	c := NewCollector(testFacts(), q, w, time.Hour, m)
	c.now = func() time.Time { return collectedAt }

	rep, err := c.Freshness(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Programs, 2)
	assert.Equal(t, "ieepa_fentanyl", rep.Programs[0].ProgramID)
	assert.Nil(t, rep.Programs[0].LastCommittedAt)
	require.NotNil(t, rep.Programs[1].LastCommittedAt)
	assert.Equal(t, collectedAt.Add(-6*time.Hour), *rep.Programs[1].LastCommittedAt)

	assert.Equal(t, 3, rep.ReviewBacklog)
	assert.Equal(t, 1, rep.Queue[string(model.JobQueued)])
	assert.Empty(t, rep.StuckJobs)
	assert.Len(t, rep.Watchers, 1)
	assert.Equal(t, collectedAt, rep.CollectedAt)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReviewBacklog))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(model.JobQueued))))
}

func TestCollector_StoreOnly(t *testing.T) {
	c := NewCollector(testFacts(), nil, nil, 0, nil)
	rep, err := c.Freshness(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Queue)
	assert.Empty(t, rep.Watchers)
	assert.Len(t, rep.Programs, 2)
}

func TestCollector_StoreError(t *testing.T) {
	f := testFacts()
	f.err = errors.New("connection refused")
	_, err := NewCollector(f, nil, nil, 0, nil).Freshness(context.Background())
	assert.ErrorContains(t, err, "monitoring: list programs")
}
