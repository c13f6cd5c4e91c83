// Package review resolves candidates the write gate routed to a human.
// Approval is an override of the gate, not of the evidence: the quote must
// still be found verbatim in the document before anything is committed.
package review

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pipeline"
	"github.com/sells-group/tariff-cli/internal/store"
)

var (
	// ErrNotReviewable is returned when the candidate is not waiting for
	// review.
	ErrNotReviewable = eris.New("review: candidate is not awaiting review")
	// ErrNotVerbatim is returned when an approved candidate's quote is not
	// in the document.
	ErrNotVerbatim = eris.New("review: quote not found verbatim in document")
	// ErrNoReviewer is returned when the reviewer is missing.
	ErrNoReviewer = eris.New("review: reviewer is required")
)

// Jobs is the part of the queue review needs to settle a job.
type Jobs interface {
	Get(ctx context.Context, id int64) (*model.IngestJob, error)
	Advance(ctx context.Context, id int64, from, to model.JobStatus) error
}

// Mirror is told when a candidate leaves review.
type Mirror interface {
	MarkResolved(ctx context.Context, c model.Candidate) error
}

// Service approves and rejects candidates.
type Service struct {
	store   store.Store
	jobs    Jobs
	mirror  Mirror
	metrics *metrics.Metrics
}

// NewService creates a review service. mirror and m may be nil.
func NewService(st store.Store, jobs Jobs, mirror Mirror, m *metrics.Metrics) *Service {
	return &Service{store: st, jobs: jobs, mirror: mirror, metrics: m}
}

// Actor returns the audit actor of a reviewer.
func Actor(reviewer string) string { return "review:" + reviewer }

// List returns candidates awaiting review, oldest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.Candidate, error) {
	cands, err := s.store.ListCandidates(ctx, store.CandidateFilter{
		Status: model.CandidateNeedsReview,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, eris.Wrap(err, "review: list candidates")
	}
	return cands, nil
}

// Result is what a review decision did. JobSettled reports that the job
// left needs_review.
type Result struct {
	Candidate  model.Candidate       `json:"candidate"`
	Commits    []*store.CommitResult `json:"commits,omitempty"`
	JobSettled bool                  `json:"job_settled"`
}

// Approve commits a needs_review candidate on a reviewer's authority. An
// approved candidate whose commit failed can be approved again.
func (s *Service) Approve(ctx context.Context, id, reviewer, note string) (*Result, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, ErrNoReviewer
	}
	c, err := s.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "review: get candidate %s", id)
	}
	if c.Status != model.CandidateNeedsReview && c.Status != model.CandidateApproved {
		return nil, eris.Wrapf(ErrNotReviewable, "review: candidate %s is %s", id, c.Status)
	}
	sv, err := s.store.GetSourceVersion(ctx, c.SourceVersionID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: source version of candidate %s", id)
	}

	v, err := pipeline.Validate(ctx, s.store, sv.CanonicalText, *c)
	if err != nil {
		return nil, eris.Wrapf(err, "review: validate candidate %s", id)
	}
	if !v.Verbatim {
		return nil, eris.Wrapf(ErrNotVerbatim, "review: candidate %s lines %d-%d", id, c.LineStart, c.LineEnd)
	}

	if c.Status == model.CandidateNeedsReview {
		if err := s.store.UpdateCandidate(ctx, id, model.CandidateNeedsReview, model.CandidateApproved, nil, reviewer, note); err != nil {
			return nil, eris.Wrapf(err, "review: approve candidate %s", id)
		}
		c.Status = model.CandidateApproved
	}

	cm := pipeline.Committer{Store: s.store, Metrics: s.metrics}
	results, err := cm.Commit(ctx, *sv, *c, v.Confidence, pipeline.ValidatorReview, Actor(reviewer))
	if err != nil {
		return nil, eris.Wrapf(err, "review: commit candidate %s", id)
	}
	if err := s.store.UpdateCandidate(ctx, id, model.CandidateApproved, model.CandidateCommitted, nil, reviewer, note); err != nil {
		return nil, eris.Wrapf(err, "review: mark candidate %s committed", id)
	}
	c.Status = model.CandidateCommitted
	c.ReviewedBy, c.ReviewNote = reviewer, note

	zap.L().Info("review: candidate approved",
		zap.String("candidate_id", id),
		zap.String("reviewer", reviewer),
		zap.Strings("gate_reasons", c.GateReasons),
		zap.Int("windows", len(results)),
	)
	res := &Result{Candidate: *c, Commits: results}
	res.JobSettled, err = s.resolved(ctx, *c)
	return res, err
}

// Reject closes a needs_review candidate without committing it.
func (s *Service) Reject(ctx context.Context, id, reviewer, note string) (*Result, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, ErrNoReviewer
	}
	c, err := s.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "review: get candidate %s", id)
	}
	if c.Status != model.CandidateNeedsReview {
		return nil, eris.Wrapf(ErrNotReviewable, "review: candidate %s is %s", id, c.Status)
	}
	if err := s.store.UpdateCandidate(ctx, id, model.CandidateNeedsReview, model.CandidateRejected, nil, reviewer, note); err != nil {
		return nil, eris.Wrapf(err, "review: reject candidate %s", id)
	}
	c.Status = model.CandidateRejected
	c.ReviewedBy, c.ReviewNote = reviewer, note

	jobID := c.JobID
	if err := s.store.AppendAudit(ctx, model.AuditEntry{
		Action:   "review_reject",
		Entity:   "candidate",
		EntityID: id,
		JobID:    &jobID,
		Actor:    Actor(reviewer),
		Detail:   map[string]any{"note": note, "gate_reasons": c.GateReasons},
	}); err != nil {
		return nil, eris.Wrapf(err, "review: audit rejection of %s", id)
	}

	zap.L().Info("review: candidate rejected", zap.String("candidate_id", id), zap.String("reviewer", reviewer))
	res := &Result{Candidate: *c}
	res.JobSettled, err = s.resolved(ctx, *c)
	return res, err
}

// resolved updates the mirror and moves the job to committed once none of
// its candidates is left undecided.
func (s *Service) resolved(ctx context.Context, c model.Candidate) (bool, error) {
	log := zap.L().With(zap.String("component", "review"), zap.Int64("job_id", c.JobID))
	if s.mirror != nil {
		if err := s.mirror.MarkResolved(ctx, c); err != nil {
			log.Warn("review: mirror update failed", zap.String("candidate_id", c.ID), zap.Error(err))
		}
	}
	if s.jobs == nil || c.JobID == 0 {
		return false, nil
	}

	for _, st := range []model.CandidateStatus{model.CandidatePending, model.CandidateNeedsReview, model.CandidateApproved} {
		open, err := s.store.ListCandidates(ctx, store.CandidateFilter{JobID: c.JobID, Status: st, Limit: 1})
		if err != nil {
			return false, eris.Wrapf(err, "review: candidates of job %d", c.JobID)
		}
		if len(open) > 0 {
			return false, nil
		}
	}

	job, err := s.jobs.Get(ctx, c.JobID)
	if err != nil {
		return false, eris.Wrapf(err, "review: get job %d", c.JobID)
	}
	if job.Status != model.JobNeedsReview {
		return false, nil
	}
	if err := s.jobs.Advance(ctx, job.ID, model.JobNeedsReview, model.JobCommitted); err != nil {
		return false, eris.Wrapf(err, "review: settle job %d", job.ID)
	}
	log.Info("review: job settled")
	return true, nil
}

// DecisionSource yields decisions reviewers made outside the CLI.
type DecisionSource interface {
	Decisions(ctx context.Context) ([]Decision, error)
}

// SyncReport summarizes one Sync.
type SyncReport struct {
	Approved int      `json:"approved"`
	Rejected int      `json:"rejected"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Sync applies decisions from src. Decisions on candidates that already
// left review are skipped; a failed decision does not stop the others.
func (s *Service) Sync(ctx context.Context, src DecisionSource) (*SyncReport, error) {
	decisions, err := src.Decisions(ctx)
	if err != nil {
		return nil, err
	}
	rep := &SyncReport{}
	for _, d := range decisions {
		reviewer := d.Reviewer
		if reviewer == "" {
			reviewer = "notion"
		}
		if d.Approve {
			_, err = s.Approve(ctx, d.CandidateID, reviewer, d.Note)
		} else {
			_, err = s.Reject(ctx, d.CandidateID, reviewer, d.Note)
		}
		switch {
		case errors.Is(err, ErrNotReviewable):
			rep.Skipped++
		case err != nil:
			rep.Errors = append(rep.Errors, err.Error())
		case d.Approve:
			rep.Approved++
		default:
			rep.Rejected++
		}
	}
	return rep, nil
}
