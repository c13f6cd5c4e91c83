package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

func cleanValidation() Validation {
	return Validation{Verbatim: true, HTSInQuote: true, RateInQuote: true, CodeInQuote: true, Confidence: 0.95}
}

func TestGate(t *testing.T) {
	tests := []struct {
		name   string
		in     GateInput
		pass   bool
		reason string
	}{
		{
			name: "all conditions hold",
			in:   GateInput{Tier: model.TierAuthoritative, DocumentHash: "abc", Validation: cleanValidation(), Threshold: 0.85},
			pass: true,
		},
		{
			name: "binding outranks authoritative",
			in:   GateInput{Tier: model.TierBinding, DocumentHash: "abc", Validation: cleanValidation(), Threshold: 0.85},
			pass: true,
		},
		{
			name:   "guidance tier",
			in:     GateInput{Tier: model.TierGuidance, DocumentHash: "abc", Validation: cleanValidation(), Threshold: 0.85},
			reason: ReasonTierTooLow,
		},
		{
			name:   "missing hash",
			in:     GateInput{Tier: model.TierAuthoritative, Validation: cleanValidation(), Threshold: 0.85},
			reason: ReasonHashMissing,
		},
		{
			name: "low confidence",
			in: GateInput{Tier: model.TierAuthoritative, DocumentHash: "abc", Threshold: 0.85,
				Validation: Validation{Verbatim: true, HTSInQuote: true, RateInQuote: true, Confidence: 0.84}},
			reason: ReasonLowConfidence,
		},
		{
			name: "validation problem carries through",
			in: GateInput{Tier: model.TierAuthoritative, DocumentHash: "abc", Threshold: 0.85,
				Validation: Validation{Confidence: 0.95, Problems: []string{ReasonHTSNotInQuote}}},
			reason: ReasonHTSNotInQuote,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Gate(tt.in)
			assert.Equal(t, tt.pass, d.Pass)
			if tt.pass {
				assert.Empty(t, d.Reasons)
				return
			}
			assert.Contains(t, d.Reasons, tt.reason)
		})
	}
}

func TestGate_CollectsEveryReason(t *testing.T) {
	d := Gate(GateInput{
		Tier:       model.TierGuidance,
		Validation: Validation{Confidence: 0.1, Problems: []string{ReasonNotVerbatim}},
		Threshold:  0.85,
	})
	assert.False(t, d.Pass)
	assert.Equal(t, []string{ReasonTierTooLow, ReasonHashMissing, ReasonNotVerbatim, ReasonLowConfidence}, d.Reasons)
}

const validateText = "Notice of Modification\n" +
	"The modifications are effective March 4, 2025.\n" +
	"8544.42.90 | 9903.88.03 | 25%\n" +
	"7308.90.95 | 9903.88.03 | 25%\n" +
	"Heading 8544.42.90 is replaced by 8544.42.91 on July 1, 2025."

func validateSource(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.ApplyRegistry(context.Background(), testRegistry(), "test"))
	return st
}

func rateCandidate() model.Candidate {
	return model.Candidate{
		ID:          "c1",
		Kind:        model.CandidateRate,
		ProgramID:   "s301",
		ProgramCode: "9903.88.03",
		HTS:         "85444290",
		Role:        model.RoleImpose,
		Schedule: []model.RateWindow{
			{Rate: model.Rate(25), Window: model.Window{Start: model.MustDate("2025-03-04")}},
		},
		Quote:      "8544.42.90 | 9903.88.03 | 25%",
		LineStart:  3,
		LineEnd:    3,
		Confidence: 0.95,
		Status:     model.CandidatePending,
	}
}

func TestValidate_Clean(t *testing.T) {
	v, err := Validate(context.Background(), validateSource(t), validateText, rateCandidate())
	require.NoError(t, err)
	assert.True(t, v.Verbatim)
	assert.True(t, v.HTSInQuote)
	assert.True(t, v.RateInQuote)
	assert.True(t, v.CodeInQuote)
	assert.Empty(t, v.Problems)
	assert.InDelta(t, 0.95, v.Confidence, 1e-9)
}

func TestValidate_QuoteMustBeInCitedLines(t *testing.T) {
	c := rateCandidate()
	c.LineStart, c.LineEnd = 4, 4

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.False(t, v.Verbatim)
	assert.Contains(t, v.Problems, ReasonNotVerbatim)
	assert.Zero(t, v.Confidence)
}

func TestValidate_ParaphraseRejected(t *testing.T) {
	c := rateCandidate()
	c.Quote = "8544.42.90 at 25 percent under 9903.88.03"

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Contains(t, v.Problems, ReasonNotVerbatim)
}

func TestValidate_TokensMustBeInQuote(t *testing.T) {
	// The rate and provision appear elsewhere in the document, not in the
	// quote itself.
	c := rateCandidate()
	c.Quote = "8544.42.90"

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.True(t, v.Verbatim)
	assert.True(t, v.HTSInQuote)
	assert.False(t, v.RateInQuote)
	assert.False(t, v.CodeInQuote)
	assert.Contains(t, v.Problems, ReasonRateOrCodeMissing)
}

func TestValidate_WrongHTS(t *testing.T) {
	c := rateCandidate()
	c.HTS = "85444210"

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.False(t, v.HTSInQuote)
	assert.Contains(t, v.Problems, ReasonHTSNotInQuote)
}

func TestValidate_CodeAloneSatisfiesRateOrCode(t *testing.T) {
	c := rateCandidate()
	c.Schedule[0].Rate = model.Rate(50)

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.False(t, v.RateInQuote)
	assert.True(t, v.CodeInQuote)
	assert.NotContains(t, v.Problems, ReasonRateOrCodeMissing)
}

func TestValidate_HTSUnknownOnDate(t *testing.T) {
	c := rateCandidate()
	c.HTS = "73089095"
	c.Quote = "7308.90.95 | 9903.88.03 | 25%"
	c.LineStart, c.LineEnd = 4, 4

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Contains(t, v.Problems, ReasonHTSInvalidOnDate)
	assert.InDelta(t, 0.75, v.Confidence, 1e-9)
}

func TestValidate_ProgramUnresolved(t *testing.T) {
	c := rateCandidate()
	c.ProgramID = ""

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Contains(t, v.Problems, ReasonProgramUnresolved)
}

func TestValidate_NoEffectiveDate(t *testing.T) {
	c := rateCandidate()
	c.Schedule = nil

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Contains(t, v.Problems, ReasonNoEffectiveDate)
}

func TestValidate_HTSChangeNeedsBothCodes(t *testing.T) {
	c := model.Candidate{
		ID:         "h1",
		Kind:       model.CandidateHTSChange,
		HTS:        "85444290",
		ReplacedBy: "85444291",
		Schedule:   []model.RateWindow{{Window: model.Window{Start: model.MustDate("2025-07-01")}}},
		Quote:      "Heading 8544.42.90 is replaced by 8544.42.91",
		LineStart:  5,
		LineEnd:    5,
		Confidence: 0.9,
	}
	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Empty(t, v.Problems)

	c.ReplacedBy = "85444299"
	v, err = Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Contains(t, v.Problems, ReasonHTSNotInQuote)
}

func TestValidate_WideQuotePenalty(t *testing.T) {
	c := rateCandidate()
	c.LineStart, c.LineEnd = 1, 4
	c.Quote = strings.Join(strings.Split(validateText, "\n")[2:3], "")

	v, err := Validate(context.Background(), validateSource(t), validateText, c)
	require.NoError(t, err)
	assert.Empty(t, v.Problems)
	assert.InDelta(t, 0.90, v.Confidence, 1e-9)
}
