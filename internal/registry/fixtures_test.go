package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/evidence"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

func loadScenario(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()

	reg, err := LoadSeed("testdata/seed.yaml")
	require.NoError(t, err)
	require.NoError(t, st.ApplyRegistry(ctx, reg, "test"))

	res, err := LoadFixtures(ctx, st, "testdata/fixtures.yaml", "test")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Outcomes[store.OutcomeInserted])
	return st
}

func TestLoadFixtures_Scenario(t *testing.T) {
	st := loadScenario(t)

	ev, err := engine.NewEvaluator(st, nil)
	require.NoError(t, err)
	out, err := ev.Evaluate(context.Background(), engine.Request{
		HTS:        "8544.42.9090",
		Country:    "CN",
		EntryDate:  model.MustDate("2025-09-15"),
		Today:      model.MustDate("2025-09-15"),
		ValueCents: 1_000_000,
		Composition: []engine.Content{
			{Key: "copper", ValueCents: 300_000},
			{Key: "steel", ValueCents: 100_000},
			{Key: "aluminum", ValueCents: 100_000},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(625_000), out.TotalDutyCents)
	assert.True(t, out.HasExclusionCandidate)
	assert.True(t, out.VerificationRequired)
}

func TestLoadFixtures_Idempotent(t *testing.T) {
	st := loadScenario(t)
	ctx := context.Background()

	before, err := st.Revision(ctx)
	require.NoError(t, err)

	res, err := LoadFixtures(ctx, st, "testdata/fixtures.yaml", "test")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Outcomes[store.OutcomeUnchanged])
	assert.Zero(t, res.Outcomes[store.OutcomeInserted])

	after, err := st.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadFixtures_EvidenceVerifies(t *testing.T) {
	st := loadScenario(t)
	ctx := context.Background()

	facts, err := st.ListFacts(ctx, store.FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 6)
	for _, f := range facts {
		ev, err := st.GetEvidence(ctx, f.EvidenceID)
		require.NoError(t, err)
		sv, err := st.GetSourceVersion(ctx, ev.SourceVersionID)
		require.NoError(t, err)
		assert.NoError(t, evidence.Verify(*ev, *sv), f.FactKey.String())
	}
}

func TestApplyFixtures_QuoteOutsideLines(t *testing.T) {
	st := store.NewMemory()
	_, err := ApplyFixtures(context.Background(), st, Fixtures{
		Source: FixtureSource{Source: "fx", ExternalID: "1", PublishedAt: "2025-01-01", Text: "line one\nline two"},
		Facts: []FixtureFact{{
			Program: "p", HTS: "8544", Rate: model.Rate(5), Start: "2025-01-01",
			LineStart: 1, LineEnd: 1, Quote: "line two",
		}},
	}, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found verbatim")
}

func TestApplyFixtures_MissingSource(t *testing.T) {
	_, err := ApplyFixtures(context.Background(), store.NewMemory(), Fixtures{}, "test")
	assert.Error(t, err)
}
