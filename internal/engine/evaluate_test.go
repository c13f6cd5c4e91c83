package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func newTestEvaluator(t *testing.T, src RuleSource) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(src, nil)
	require.NoError(t, err)
	return ev
}

func lineFor(t *testing.T, res *Result, programID string) FilingLine {
	t.Helper()
	for _, l := range res.Lines {
		if l.ProgramID == programID {
			return l
		}
	}
	t.Fatalf("no filing line for %s", programID)
	return FilingLine{}
}

func TestEvaluate_StackedScenario(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	res, err := ev.Evaluate(context.Background(), scenarioRequest())
	require.NoError(t, err)

	assert.True(t, res.Applies)
	assert.Equal(t, "8544429090", res.HTS)
	assert.Equal(t, int64(625_000), res.TotalDutyCents)

	want := []struct {
		id     string
		base   int64
		amount int64
	}{
		{"s301", 1_000_000, 250_000},
		{"ieepa_fentanyl", 1_000_000, 100_000},
		{"s232_copper", 300_000, 150_000},
		{"s232_steel", 100_000, 50_000},
		{"s232_aluminum", 100_000, 25_000},
		{"ieepa_reciprocal", 500_000, 50_000},
	}
	require.Len(t, res.Lines, len(want))
	for i, w := range want {
		l := res.Lines[i]
		assert.Equal(t, w.id, l.ProgramID, "line %d", i)
		assert.Equal(t, i+1, l.Sequence)
		assert.Equal(t, ActionApply, l.Action, w.id)
		assert.Equal(t, w.base, l.BaseCents, w.id)
		assert.Equal(t, w.amount, l.AmountCents, w.id)
		assert.Equal(t, ConfidenceConfirmed, l.Confidence, w.id)
		assert.NotEmpty(t, l.EvidenceRef, w.id)
	}

	assert.Equal(t, int64(1_000_000), res.Slices.Total())
	residual, ok := res.Slices.Slice(ResidualKey)
	require.True(t, ok)
	assert.Equal(t, int64(500_000), residual.ValueCents)
}

func TestEvaluate_ExcludeBeatsImpose(t *testing.T) {
	src := scenarioSource()
	src.facts = append(src.facts,
		fact(20, "s301", "85444290", model.RoleExclude, nil, "2024-01-01", nil),
		fact(21, "s301", "85444290", model.RoleImpose, model.Rate(25), "2024-01-01", nil),
	)
	src.facts[len(src.facts)-2].FilingCode = "9903.88.69"
	ev := newTestEvaluator(t, src)

	req := scenarioRequest()
	req.EntryDate = d("2024-06-01")
	req.Today = d("2024-06-01")
	req.Composition = nil

	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)

	var s301 *ProgramStatus
	for i := range res.Programs {
		if res.Programs[i].Program.ID == "s301" {
			s301 = &res.Programs[i]
		}
	}
	require.NotNil(t, s301)
	assert.False(t, s301.Applies)
	assert.True(t, s301.HasExclusionCandidate)
	assert.True(t, s301.VerificationRequired)
	assert.Equal(t, model.RoleExclude, s301.Fact.Role)

	line := lineFor(t, res, "s301")
	assert.Equal(t, ActionClaim, line.Action)
	assert.Equal(t, "9903.88.69", line.Code)
	assert.Zero(t, line.AmountCents)
	assert.True(t, res.VerificationRequired)
}

func TestEvaluate_EndExclusive(t *testing.T) {
	src := scenarioSource()
	// 301 rate raised from 25 to 50 on 2025-01-01: the old row closes there.
	src.facts[0].Window.End = dp("2025-01-01")
	src.facts = append(src.facts, fact(30, "s301", "85444290", model.RoleImpose, model.Rate(50), "2025-01-01", nil))
	ev := newTestEvaluator(t, src)

	req := Request{HTS: "8544429090", Country: "CN", ValueCents: 10_000}

	req.EntryDate, req.Today = d("2024-12-31"), d("2024-12-31")
	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), lineFor(t, res, "s301").AmountCents)

	req.EntryDate, req.Today = d("2025-01-01"), d("2025-01-01")
	res, err = ev.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), lineFor(t, res, "s301").AmountCents)
}

func TestEvaluate_PendingRate(t *testing.T) {
	src := scenarioSource()
	src.facts[0].Rate = nil
	ev := newTestEvaluator(t, src)

	res, err := ev.Evaluate(context.Background(), scenarioRequest())
	require.NoError(t, err)

	line := lineFor(t, res, "s301")
	assert.Equal(t, model.RatePending, line.RateStatus)
	assert.Equal(t, ConfidencePendingPublication, line.Confidence)
	assert.Zero(t, line.AmountCents)
	assert.Equal(t, ActionApply, line.Action)
}

func TestEvaluate_FutureDate(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	req := scenarioRequest()
	req.Today = d("2025-06-01")
	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.IsFutureDate)
	for _, l := range res.Lines {
		assert.Equal(t, ConfidenceScheduled, l.Confidence, l.ProgramID)
	}
}

func TestEvaluate_NoApplicableProgram(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	req := scenarioRequest()
	req.EntryDate, req.Today = d("2017-06-01"), d("2017-06-01")
	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Applies)
	assert.Empty(t, res.Lines)
	assert.Zero(t, res.TotalDutyCents)
}

func TestEvaluate_UndeclaredContentFallsBack(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	req := scenarioRequest()
	req.Composition = []Content{{Key: "copper", ValueCents: 300_000}}
	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Slices.Fallback)
	assert.ElementsMatch(t, []string{"aluminum", "steel"}, res.Slices.MissingKeys)
	cu := lineFor(t, res, "s232_copper")
	assert.True(t, cu.Fallback)
	assert.Equal(t, int64(1_000_000), cu.BaseCents)
	assert.Zero(t, lineFor(t, res, "ieepa_reciprocal").BaseCents)
}

func TestEvaluate_ZeroContentDisclaims(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	req := scenarioRequest()
	req.Composition = []Content{
		{Key: "copper", ValueCents: 300_000},
		{Key: "steel", ValueCents: 0},
		{Key: "aluminum", ValueCents: 100_000},
	}
	res, err := ev.Evaluate(context.Background(), req)
	require.NoError(t, err)

	steel := lineFor(t, res, "s232_steel")
	assert.Equal(t, ActionDisclaim, steel.Action)
	assert.Equal(t, int64(60_000), lineFor(t, res, "ieepa_reciprocal").AmountCents)
}

func TestEvaluate_ValidationErrors(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())
	tests := []struct {
		name  string
		mut   func(r *Request)
		field string
	}{
		{"short hts", func(r *Request) { r.HTS = "8544.42" }, "hts"},
		{"letters in hts", func(r *Request) { r.HTS = "8544.4X.9090" }, "hts"},
		{"unknown country", func(r *Request) { r.Country = "ZZ" }, "country"},
		{"three letter country", func(r *Request) { r.Country = "CHN" }, "country"},
		{"missing today", func(r *Request) { r.Today = d("0001-01-01") }, "today"},
		{"negative value", func(r *Request) { r.ValueCents = -1 }, "value_cents"},
		{"content over value", func(r *Request) { r.Composition[0].ValueCents = 2_000_000 }, "composition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := scenarioRequest()
			tt.mut(&req)
			_, err := ev.Evaluate(context.Background(), req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestEvaluate_HTSOutOfWindow(t *testing.T) {
	src := scenarioSource()
	src.hts = []model.HTSCode{
		{Code: "85444290", Window: model.Window{Start: d("2017-01-01")}},
		{Code: "8544429090", Window: model.Window{Start: d("2017-01-01"), End: dp("2025-07-01")}, ReplacedBy: "8544429095"},
		{Code: "8544429095", Window: model.Window{Start: d("2025-07-01")}},
		{Code: "8544429010", Window: model.Window{Start: d("2017-01-01")}},
	}
	ev := newTestEvaluator(t, src)

	_, err := ev.Evaluate(context.Background(), scenarioRequest())
	var he *HTSDateError
	require.True(t, errors.As(err, &he), "got %v", err)
	assert.Equal(t, HTSOutOfWindow, he.Reason)
	assert.Equal(t, []string{"8544429095", "8544429010"}, he.Suggestions)
	assert.Contains(t, err.Error(), "8544.42.9095")
}

func TestEvaluate_HTSUnknown(t *testing.T) {
	ev := newTestEvaluator(t, scenarioSource())

	req := scenarioRequest()
	req.HTS = "8544.42.9099"
	_, err := ev.Evaluate(context.Background(), req)
	var he *HTSDateError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, HTSUnknown, he.Reason)
	assert.Contains(t, he.Suggestions, "8544429090")
}

func TestEvaluate_ParentHistoryCoversStatisticalSuffix(t *testing.T) {
	src := scenarioSource()
	src.hts = []model.HTSCode{{Code: "85444290", Window: model.Window{Start: d("2017-01-01")}}}
	ev := newTestEvaluator(t, src)

	_, err := ev.Evaluate(context.Background(), scenarioRequest())
	assert.NoError(t, err)
}

func TestEvaluate_SuppressionRemovesProgram(t *testing.T) {
	src := scenarioSource()
	src.edges = []model.Suppression{{
		SuppressorID: "s232_copper", SuppressedID: "ieepa_reciprocal",
		Reason: "232 goods exempt from reciprocal", Window: model.Window{Start: d("2025-01-01")},
	}}
	ev := newTestEvaluator(t, src)

	res, err := ev.Evaluate(context.Background(), scenarioRequest())
	require.NoError(t, err)
	require.Len(t, res.Suppressions, 1)
	assert.Equal(t, "ieepa_reciprocal", res.Suppressions[0].SuppressedID)
	assert.Equal(t, int64(575_000), res.TotalDutyCents)
	assert.Equal(t, 1, src.suppressionCalls)
}
