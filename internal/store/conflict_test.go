package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

var testKey = model.FactKey{ProgramID: "s301", HTS: "8544429090", Role: model.RoleImpose}

func row(id int64, rate float64, start string, end *time.Time, tier model.Tier, published string, sv int64) model.TemporalFact {
	return model.TemporalFact{
		ID:                id,
		FactKey:           testKey,
		Rate:              model.Rate(rate),
		Window:            model.Window{Start: model.MustDate(start), End: end},
		Tier:              tier,
		SourcePublishedAt: model.MustDate(published),
		SourceVersionID:   sv,
	}
}

func endAt(s string) *time.Time {
	t := model.MustDate(s)
	return &t
}

func TestDecide_NoOpenRowInserts(t *testing.T) {
	in := row(0, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	dec := Decide(nil, in)
	assert.Equal(t, OutcomeInserted, dec.Outcome)
	assert.True(t, dec.Insert)
	assert.Equal(t, in.Window, dec.Window)
	assert.Empty(t, dec.Close)
}

func TestDecide_LaterStartSupersedes(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 50, "2025-06-04", nil, model.TierBinding, "2025-06-01", 2)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeSuperseded, dec.Outcome)
	require.Len(t, dec.Close, 1)
	assert.Equal(t, int64(7), dec.Close[0].FactID)
	assert.Equal(t, model.MustDate("2025-06-04"), dec.Close[0].End)
	assert.True(t, dec.Insert)
	assert.Empty(t, dec.Winner)
}

func TestDecide_IdenticalRecommitIsNoop(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeUnchanged, dec.Outcome)
	assert.False(t, dec.Insert)
	assert.Equal(t, int64(7), dec.ExistingID)
}

func TestDecide_SameValueLaterStartIsNoop(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 25, "2025-05-01", nil, model.TierGuidance, "2025-04-20", 3)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeUnchanged, dec.Outcome)
}

func TestDecide_RecommitOfSupersededRowIsNoop(t *testing.T) {
	closed := row(7, 25, "2025-03-01", endAt("2025-06-04"), model.TierBinding, "2025-02-01", 1)
	open := row(8, 50, "2025-06-04", nil, model.TierBinding, "2025-06-01", 2)
	in := row(0, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)

	dec := Decide([]model.TemporalFact{closed, open}, in)
	assert.Equal(t, OutcomeUnchanged, dec.Outcome)
	assert.Equal(t, int64(7), dec.ExistingID)
}

func TestDecide_ConflictHigherTierWins(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierGuidance, "2025-02-20", 1)
	in := row(0, 20, "2025-03-01", nil, model.TierBinding, "2025-02-01", 2)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeConflictWon, dec.Outcome)
	assert.Equal(t, WinnerIncoming, dec.Winner)
	require.Len(t, dec.Close, 1)
	// Loser is voided at its own start.
	assert.Equal(t, model.MustDate("2025-03-01"), dec.Close[0].End)
	assert.Contains(t, dec.Reason, "tier binding")
}

func TestDecide_ConflictLowerTierLoses(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 20, "2025-03-01", nil, model.TierGuidance, "2025-03-10", 2)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeConflictLost, dec.Outcome)
	assert.Equal(t, WinnerExisting, dec.Winner)
	assert.Empty(t, dec.Close)
	assert.True(t, dec.Insert)
	assert.True(t, dec.Window.Empty(), "losing row is stored zero-width")
}

func TestDecide_TieBrokenByPublication(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	newer := row(0, 30, "2025-03-01", nil, model.TierBinding, "2025-02-05", 2)
	older := row(0, 30, "2025-03-01", nil, model.TierBinding, "2025-01-05", 3)

	assert.Equal(t, OutcomeConflictWon, Decide([]model.TemporalFact{open}, newer).Outcome)
	assert.Equal(t, OutcomeConflictLost, Decide([]model.TemporalFact{open}, older).Outcome)
}

func TestDecide_ClosedBackfillBeforeOpenRow(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 10, "2025-01-01", endAt("2025-03-01"), model.TierGuidance, "2025-04-01", 2)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeInserted, dec.Outcome)
	assert.Empty(t, dec.Close)
}

func TestDecide_EarlierStartArrivingLateClosesAtOpenRow(t *testing.T) {
	tests := []struct {
		name string
		open model.Tier
		in   model.Tier
	}{
		{"same tier", model.TierBinding, model.TierBinding},
		{"incoming lower tier", model.TierBinding, model.TierGuidance},
		{"incoming higher tier", model.TierGuidance, model.TierBinding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open := row(7, 25, "2025-04-01", nil, tt.open, "2025-03-15", 1)
			in := row(0, 10, "2025-02-01", nil, tt.in, "2025-01-20", 2)

			dec := Decide([]model.TemporalFact{open}, in)
			assert.Equal(t, OutcomeInserted, dec.Outcome)
			assert.Empty(t, dec.Close, "later open row is untouched")
			assert.Empty(t, dec.Winner)
			assert.True(t, dec.Insert)
			require.NotNil(t, dec.Window.End)
			assert.Equal(t, model.MustDate("2025-02-01"), dec.Window.Start)
			assert.Equal(t, model.MustDate("2025-04-01"), *dec.Window.End)

			stored := in
			stored.ID, stored.Window = 8, dec.Window
			assert.Equal(t, OutcomeUnchanged, Decide([]model.TemporalFact{stored, open}, in).Outcome)
		})
	}
}

func TestDecide_ClosedBackfillOverlappingOpenRowIsTrimmed(t *testing.T) {
	open := row(7, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 1)
	in := row(0, 10, "2025-01-01", endAt("2025-05-01"), model.TierBinding, "2025-04-01", 2)

	dec := Decide([]model.TemporalFact{open}, in)
	assert.Equal(t, OutcomeInserted, dec.Outcome)
	assert.Empty(t, dec.Close)
	require.NotNil(t, dec.Window.End)
	assert.Equal(t, model.MustDate("2025-03-01"), *dec.Window.End)
}

func TestDecide_VoidedRowDoesNotAbsorbOtherSources(t *testing.T) {
	voided := row(7, 20, "2025-03-01", endAt("2025-03-01"), model.TierGuidance, "2025-02-20", 1)
	open := row(8, 25, "2025-03-01", nil, model.TierBinding, "2025-02-01", 2)
	in := row(0, 20, "2025-03-01", nil, model.TierBinding, "2025-03-05", 3)

	dec := Decide([]model.TemporalFact{voided, open}, in)
	assert.Equal(t, OutcomeConflictWon, dec.Outcome)

	again := row(0, 20, "2025-03-01", nil, model.TierGuidance, "2025-02-20", 1)
	assert.Equal(t, OutcomeUnchanged, Decide([]model.TemporalFact{voided, open}, again).Outcome)
}

func TestOutranks(t *testing.T) {
	a := row(0, 1, "2025-01-01", nil, model.TierAuthoritative, "2025-01-01", 1)
	b := row(0, 1, "2025-01-01", nil, model.TierGuidance, "2025-06-01", 9)
	assert.True(t, Outranks(a, b))
	assert.False(t, Outranks(b, a))
	assert.False(t, Outranks(a, a), "exact tie keeps existing")
}
