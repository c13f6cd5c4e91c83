package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

const stagedText = "Section 232 Inclusions\n" +
	"7308.90.95 | 9903.81.91 | 25% from March 12, 2025; 50% from June 4, 2025\n" +
	"7326.90.86 | 9903.81.92 | Excluded: steel racks for bicycles\n" +
	"Subheading 8544.42.90 is replaced by 8544.42.91"

func testVersion() model.SourceVersion {
	return model.SourceVersion{
		ID:            7,
		Source:        "federal_register",
		ExternalID:    "2025-04567",
		ContentHash:   "hash-7",
		Tier:          model.TierBinding,
		PublishedAt:   model.MustDate("2025-03-01"),
		CanonicalText: stagedText,
	}
}

func stagedCandidate() model.Candidate {
	mid := model.MustDate("2025-06-04")
	return model.Candidate{
		ID:          "staged",
		JobID:       11,
		Kind:        model.CandidateRate,
		ProgramID:   "s232_steel",
		ProgramCode: "9903.81.91",
		HTS:         "73089095",
		Schedule: []model.RateWindow{
			{Rate: model.Rate(25), Window: model.Window{Start: model.MustDate("2025-03-12"), End: &mid}},
			{Rate: model.Rate(50), Window: model.Window{Start: mid}},
		},
		Quote:     "7308.90.95 | 9903.81.91 | 25% from March 12, 2025; 50% from June 4, 2025",
		LineStart: 2,
		LineEnd:   2,
	}
}

func TestRequests_StagedRate(t *testing.T) {
	reqs, err := Requests(testVersion(), stagedCandidate(), 0.9, ValidatorGate)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	first, second := reqs[0], reqs[1]
	assert.Equal(t, store.CommitRate, first.Kind)
	assert.Equal(t, model.RoleImpose, first.Fact.Role)
	assert.Equal(t, 25.0, *first.Fact.Rate)
	assert.Equal(t, model.MustDate("2025-06-04"), *first.Fact.End)
	assert.Equal(t, 50.0, *second.Fact.Rate)
	assert.Nil(t, second.Fact.End)
	assert.Equal(t, "federal_register 2025-04567", first.Fact.LegalBasis)
	assert.Equal(t, model.TierBinding, first.Fact.Tier)

	// One packet per window, each naming its own claim.
	assert.NotEqual(t, first.Evidence.ID, second.Evidence.ID)
	assert.Equal(t, first.Evidence.ID, first.Fact.EvidenceID)
	assert.Equal(t, 50.0, *second.Evidence.Claims.Rate)
	assert.Equal(t, "hash-7", second.Evidence.DocumentHash)
	assert.Equal(t, ValidatorGate, second.Evidence.Validator)
}

func TestRequests_Exclusion(t *testing.T) {
	c := model.Candidate{
		ID:          "excl",
		Kind:        model.CandidateExclusion,
		ProgramID:   "s232_steel",
		ProgramCode: "9903.81.92",
		HTS:         "73269086",
		Description: "steel racks for bicycles",
		Schedule:    []model.RateWindow{{Window: model.Window{Start: model.MustDate("2025-03-12")}}},
		Quote:       "7326.90.86 | 9903.81.92 | Excluded: steel racks for bicycles",
		LineStart:   3,
		LineEnd:     3,
	}
	reqs, err := Requests(testVersion(), c, 0.9, ValidatorReview)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, store.CommitExclusion, reqs[0].Kind)
	assert.True(t, reqs[0].Claim.VerificationRequired)
	assert.Equal(t, "9903.81.92", reqs[0].Claim.FilingCode)
	assert.Equal(t, "steel racks for bicycles", reqs[0].Claim.Description)
}

func TestRequests_HTSChange(t *testing.T) {
	c := model.Candidate{
		ID:         "hts",
		Kind:       model.CandidateHTSChange,
		HTS:        "85444290",
		ReplacedBy: "85444291",
		Schedule:   []model.RateWindow{{Window: model.Window{Start: model.MustDate("2025-07-01")}}},
		Quote:      "Subheading 8544.42.90 is replaced by 8544.42.91",
		LineStart:  4,
		LineEnd:    4,
	}
	reqs, err := Requests(testVersion(), c, 0.9, ValidatorGate)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	ch := reqs[0].HTSChange
	require.NotNil(t, ch)
	assert.Equal(t, "85444290", ch.OldCode)
	assert.Equal(t, "85444291", ch.Code.Code)
	assert.Equal(t, model.MustDate("2025-07-01"), ch.Code.Start)

	c.ReplacedBy = ""
	reqs, err = Requests(testVersion(), c, 0.9, ValidatorGate)
	require.NoError(t, err)
	assert.Empty(t, reqs[0].HTSChange.OldCode)
	assert.Equal(t, "85444290", reqs[0].HTSChange.Code.Code)
}

func TestRequests_RejectsUnverifiableQuote(t *testing.T) {
	c := stagedCandidate()
	c.LineStart, c.LineEnd = 3, 3

	_, err := Requests(testVersion(), c, 0.9, ValidatorGate)
	assert.ErrorContains(t, err, "not found verbatim")

	c = stagedCandidate()
	c.Schedule = nil
	_, err = Requests(testVersion(), c, 0.9, ValidatorGate)
	assert.ErrorContains(t, err, "no schedule")
}

func TestCommitter_CommitsStagedScheduleInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cm := Committer{Store: st}

	results, err := cm.Commit(ctx, testVersion(), stagedCandidate(), 0.9, ValidatorGate, Actor)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, store.OutcomeInserted, r.Outcome)
	}

	facts, err := st.ListFacts(ctx, store.FactFilter{HTS: "73089095"})
	require.NoError(t, err)
	require.Len(t, facts, 2)

	// Re-running converges without new rows.
	again, err := cm.Commit(ctx, testVersion(), stagedCandidate(), 0.9, ValidatorGate, Actor)
	require.NoError(t, err)
	for _, r := range again {
		assert.Equal(t, store.OutcomeUnchanged, r.Outcome)
	}
	facts, err = st.ListFacts(ctx, store.FactFilter{HTS: "73089095"})
	require.NoError(t, err)
	assert.Len(t, facts, 2)

	audit, err := st.ListAudit(ctx, store.AuditFilter{JobID: 11})
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, Actor, audit[0].Actor)
	assert.WithinDuration(t, time.Now(), audit[0].CreatedAt, time.Minute)
}
