package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/store"
)

const bulletin = "CSMS # 64000000 - Section 301 update\n" +
	"8544.42.90 | 9903.88.03 | 25% effective March 4, 2025\n" +
	"7308.90.95 | 9903.88.03 | 25% effective March 4, 2025"

type fixture struct {
	st  *store.Memory
	q   *queue.Memory
	svc *Service
	job *model.IngestJob
	sv  *model.SourceVersion
	rec *recordingMirror
}

type recordingMirror struct {
	resolved []model.Candidate
}

func (r *recordingMirror) MarkResolved(_ context.Context, c model.Candidate) error {
	r.resolved = append(r.resolved, c)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	require.NoError(t, st.ApplyRegistry(ctx, model.Registry{
		Programs: []model.Program{{
			ID:           "s301",
			Name:         "Section 301 China",
			Code:         "9903.88.03",
			CountryScope: model.CountryScope{Kind: model.CountryScopeCountry, Value: "CN"},
			HTSScope:     model.HTSScope{Table: model.ScopeTableFacts, Match: model.MatchExact},
			DutyMethod:   model.DutyAdditive,
			Active:       model.Window{Start: model.MustDate("2018-07-06")},
		}},
		HTSCodes: []model.HTSCode{
			{Code: "85444290", Window: model.Window{Start: model.MustDate("2020-01-01")}},
			{Code: "73089095", Window: model.Window{Start: model.MustDate("2020-01-01")}},
		},
	}, "test"))

	q := queue.NewMemory(queue.Options{MaxAttempts: 3, Backoff: time.Minute})
	_, _, err := q.Enqueue(ctx, model.Descriptor{
		Source: "csms", ExternalID: "64000000", URLs: []string{"https://csms.test/64000000"},
		Tier: model.TierGuidance, ContentHash: "h-csms", PublishedAt: model.MustDate("2025-03-03"),
	}, queue.EnqueueOptions{})
	require.NoError(t, err)
	job, err := q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Advance(ctx, job.ID, model.JobFetching, model.JobNeedsReview))

	sv, _, err := st.CreateSourceVersion(ctx, model.SourceVersion{
		Source:        "csms",
		ExternalID:    "64000000",
		ContentHash:   "h-csms",
		Tier:          model.TierGuidance,
		PublishedAt:   model.MustDate("2025-03-03"),
		CanonicalText: bulletin,
	})
	require.NoError(t, err)

	line := func(id, hts string, n int) model.Candidate {
		lines := []string{"", "8544.42.90 | 9903.88.03 | 25% effective March 4, 2025", "7308.90.95 | 9903.88.03 | 25% effective March 4, 2025"}
		return model.Candidate{
			ID:              id,
			JobID:           job.ID,
			SourceVersionID: sv.ID,
			Kind:            model.CandidateRate,
			ProgramID:       "s301",
			ProgramCode:     "9903.88.03",
			HTS:             hts,
			Schedule:        []model.RateWindow{{Rate: model.Rate(25), Window: model.Window{Start: model.MustDate("2025-03-04")}}},
			Quote:           lines[n-1],
			LineStart:       n,
			LineEnd:         n,
			Extractor:       "table",
			Confidence:      0.95,
			Status:          model.CandidateNeedsReview,
			GateReasons:     []string{"tier_too_low"},
		}
	}
	require.NoError(t, st.SaveCandidates(ctx, []model.Candidate{
		line("c-1", "85444290", 2),
		line("c-2", "73089095", 3),
	}))

	rec := &recordingMirror{}
	return &fixture{st: st, q: q, svc: NewService(st, q, rec, nil), job: job, sv: sv, rec: rec}
}

func TestApprove_CommitsWithReviewValidator(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res, err := fx.svc.Approve(ctx, "c-1", " jane ", "checked against FR notice")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateCommitted, res.Candidate.Status)
	require.Len(t, res.Commits, 1)
	assert.Equal(t, store.OutcomeInserted, res.Commits[0].Outcome)
	assert.False(t, res.JobSettled, "c-2 is still waiting")

	ev, err := fx.st.GetEvidence(ctx, res.Commits[0].EvidenceID)
	require.NoError(t, err)
	assert.Equal(t, "review", ev.Validator)
	assert.Equal(t, "h-csms", ev.DocumentHash)

	facts, err := fx.st.ListFacts(ctx, store.FactFilter{HTS: "85444290"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, model.TierGuidance, facts[0].Tier)

	c, err := fx.st.GetCandidate(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "jane", c.ReviewedBy)
	assert.Equal(t, "checked against FR notice", c.ReviewNote)

	audit, err := fx.st.ListAudit(ctx, store.AuditFilter{JobID: fx.job.ID})
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "review:jane", audit[0].Actor)

	require.Len(t, fx.rec.resolved, 1)
	assert.Equal(t, "c-1", fx.rec.resolved[0].ID)
}

func TestApproveAndReject_SettleJob(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Approve(ctx, "c-1", "jane", "")
	require.NoError(t, err)
	res, err := fx.svc.Reject(ctx, "c-2", "jane", "duplicate of c-1 heading")
	require.NoError(t, err)
	assert.True(t, res.JobSettled)
	assert.Equal(t, model.CandidateRejected, res.Candidate.Status)

	job, err := fx.q.Get(ctx, fx.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, job.Status)

	facts, err := fx.st.ListFacts(ctx, store.FactFilter{HTS: "73089095"})
	require.NoError(t, err)
	assert.Empty(t, facts)

	audit, err := fx.st.ListAudit(ctx, store.AuditFilter{Entity: "candidate", EntityID: "c-2"})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "review_reject", audit[0].Action)
}

func TestApprove_RequiresVerbatimQuote(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	c, err := fx.st.GetCandidate(ctx, "c-1")
	require.NoError(t, err)
	bad := *c
	bad.ID = "c-3"
	bad.Quote = "8544.42.90 | 9903.88.03 | 25 percent effective March 4, 2025"
	require.NoError(t, fx.st.SaveCandidates(ctx, []model.Candidate{bad}))

	_, err = fx.svc.Approve(ctx, "c-3", "jane", "")
	assert.ErrorIs(t, err, ErrNotVerbatim)

	after, err := fx.st.GetCandidate(ctx, "c-3")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateNeedsReview, after.Status)
}

func TestApprove_RejectsDecidedCandidates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Reject(ctx, "c-1", "jane", "")
	require.NoError(t, err)

	_, err = fx.svc.Approve(ctx, "c-1", "jane", "")
	assert.ErrorIs(t, err, ErrNotReviewable)
	_, err = fx.svc.Reject(ctx, "c-1", "jane", "")
	assert.ErrorIs(t, err, ErrNotReviewable)
	_, err = fx.svc.Approve(ctx, "c-2", "  ", "")
	assert.ErrorIs(t, err, ErrNoReviewer)
	_, err = fx.svc.Approve(ctx, "missing", "jane", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApprove_ResumesAfterFailedCommit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// An earlier approval flipped the status but never committed.
	require.NoError(t, fx.st.UpdateCandidate(ctx, "c-1", model.CandidateNeedsReview, model.CandidateApproved, nil, "jane", ""))

	res, err := fx.svc.Approve(ctx, "c-1", "jane", "")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateCommitted, res.Candidate.Status)
}

func TestList(t *testing.T) {
	fx := newFixture(t)
	cands, err := fx.svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	cands, err = fx.svc.List(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "c-2", cands[0].ID)
}

type staticDecisions []Decision

func (s staticDecisions) Decisions(context.Context) ([]Decision, error) { return s, nil }

func TestSync(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rep, err := fx.svc.Sync(ctx, staticDecisions{
		{CandidateID: "c-1", Approve: true, Reviewer: "jane"},
		{CandidateID: "c-2", Note: "not a 301 line"},
		{CandidateID: "c-1", Approve: true},
		{CandidateID: "gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Approved)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 1, rep.Skipped)
	assert.Len(t, rep.Errors, 1)

	c, err := fx.st.GetCandidate(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, "notion", c.ReviewedBy)
}
