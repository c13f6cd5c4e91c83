package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func TestAdditiveMethod(t *testing.T) {
	out, err := AdditiveMethod{}.Compute(DutyInput{Rate: 7.5, Base: 12_345})
	require.NoError(t, err)
	assert.Equal(t, int64(926), out.Amount) // 925.875 rounds up
}

func TestCompoundMethod(t *testing.T) {
	out, err := CompoundMethod{}.Compute(DutyInput{Rate: 10, Base: 100_000, PriorDuty: 25_000})
	require.NoError(t, err)
	assert.Equal(t, int64(125_000), out.Base)
	assert.Equal(t, int64(12_500), out.Amount)
}

func TestOnPortionMethod(t *testing.T) {
	out, err := OnPortionMethod{}.Compute(DutyInput{Rate: 50, Value: 200_000, Percent: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(80_000), out.Base)
	assert.Equal(t, int64(40_000), out.Amount)

	_, err = OnPortionMethod{}.Compute(DutyInput{Rate: 50, Value: 1, Percent: 140})
	assert.Error(t, err)
}

func TestFormulaMethod(t *testing.T) {
	f, err := NewFormulaMethod()
	require.NoError(t, err)

	p := model.Program{ID: "eu_ceiling", Formula: "max(0, ceiling_rate - base_rate)"}
	out, err := f.Compute(DutyInput{Program: p, Rate: 15, BaseRate: 2.6, Base: 100_000})
	require.NoError(t, err)
	assert.InDelta(t, 12.4, out.EffectiveRate, 1e-9)
	assert.Equal(t, int64(12_400), out.Amount)

	out, err = f.Compute(DutyInput{Program: p, Rate: 15, BaseRate: 20, Base: 100_000})
	require.NoError(t, err)
	assert.Zero(t, out.Amount)

	p.Formula = "math.greatest(rate, 5.0)"
	out, err = f.Compute(DutyInput{Program: p, Rate: 2, Base: 1_000})
	require.NoError(t, err)
	assert.Equal(t, int64(50), out.Amount)
}

func TestFormulaMethod_Errors(t *testing.T) {
	f, err := NewFormulaMethod()
	require.NoError(t, err)

	assert.Error(t, f.Compile("rate +"))
	assert.Error(t, f.Compile("unknown_var * 2.0"))

	_, err = f.Compute(DutyInput{Program: model.Program{ID: "x"}})
	assert.Error(t, err)

	_, err = f.Compute(DutyInput{Program: model.Program{ID: "x", Formula: "'text'"}})
	assert.Error(t, err)
}

func TestMethodsLookup(t *testing.T) {
	m, err := DefaultMethods()
	require.NoError(t, err)

	dm, err := m.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, model.DutyAdditive, dm.Kind())

	_, err = m.Lookup("bespoke")
	assert.Error(t, err)
}

func TestCalculate_CompoundUsesPriorDuty(t *testing.T) {
	statuses := []ProgramStatus{
		{Program: model.Program{ID: "b", FilingSequence: 2, DutyMethod: model.DutyCompound},
			Fact: &model.TemporalFact{Rate: model.Rate(10)}, RateStatus: model.RatePublished, Applies: true},
		{Program: model.Program{ID: "a", FilingSequence: 1},
			Fact: &model.TemporalFact{Rate: model.Rate(25)}, RateStatus: model.RatePublished, Applies: true},
	}
	m, err := DefaultMethods()
	require.NoError(t, err)

	q := Query{ValueCents: 100_000}
	lines, total, err := Calculate(statuses, SlicePlan{}, q, m)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0].ProgramID)
	assert.Equal(t, int64(25_000), lines[0].AmountCents)
	assert.Equal(t, int64(12_500), lines[1].AmountCents)
	assert.Equal(t, int64(37_500), total)
}
