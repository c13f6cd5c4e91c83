package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/evidence"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// Validator names recorded on evidence packets.
const (
	ValidatorGate   = "gate"
	ValidatorReview = "review"
)

// Committer turns an accepted candidate into ledger commits. The pipeline
// uses it for gate-passed candidates and review uses it for approvals.
type Committer struct {
	Store   store.Store
	Metrics *metrics.Metrics
}

// Commit writes every window of c's schedule in start order, each with its
// own evidence packet built from sv's canonical text. Ledger commits are
// idempotent, so re-running a partially committed candidate is safe.
func (cm Committer) Commit(ctx context.Context, sv model.SourceVersion, c model.Candidate, confidence float64, validator, actor string) ([]*store.CommitResult, error) {
	reqs, err := Requests(sv, c, confidence, validator)
	if err != nil {
		return nil, err
	}
	jobID := c.JobID
	out := make([]*store.CommitResult, 0, len(reqs))
	for _, req := range reqs {
		req.JobID = &jobID
		req.Actor = actor
		res, err := cm.Store.Commit(ctx, req)
		if err != nil {
			return out, eris.Wrapf(err, "commit candidate %s", c.ID)
		}
		cm.Metrics.Commit(string(req.Kind), string(res.Outcome))
		out = append(out, res)
	}
	return out, nil
}

// Requests maps a candidate to the ledger writes it implies.
//
//   - rate: one temporal fact per schedule window; the provision is the
//     filing code.
//   - exclusion: one claim per window, always marked verification required.
//   - hts_change: HTS is the retired code and ReplacedBy its successor; with
//     no successor HTS is a newly created code.
func Requests(sv model.SourceVersion, c model.Candidate, confidence float64, validator string) ([]store.CommitRequest, error) {
	if len(c.Schedule) == 0 {
		return nil, eris.Errorf("pipeline: candidate %s has no schedule", c.ID)
	}
	role := c.Role
	if role == "" {
		role = model.RoleImpose
	}

	var reqs []store.CommitRequest
	for _, w := range c.Schedule {
		claims := model.EvidenceClaims{
			HTS:            c.HTS,
			ProgramCode:    c.ProgramCode,
			Rate:           w.Rate,
			EffectiveStart: w.Start,
			EffectiveEnd:   w.End,
		}
		ev, err := evidence.Build(evidence.Input{
			SourceVersionID: sv.ID,
			DocumentHash:    sv.ContentHash,
			CanonicalText:   sv.CanonicalText,
			LineStart:       c.LineStart,
			LineEnd:         c.LineEnd,
			Quote:           c.Quote,
			Claims:          claims,
			Confidence:      confidence,
			Validator:       validator,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: evidence for candidate %s", c.ID)
		}

		req := store.CommitRequest{Evidence: ev}
		switch c.Kind {
		case model.CandidateRate:
			req.Kind = store.CommitRate
			req.Fact = &model.TemporalFact{
				FactKey: model.FactKey{
					ProgramID: c.ProgramID,
					HTS:       c.HTS,
					Country:   c.Country,
					Role:      role,
				},
				Rate:              w.Rate,
				FilingCode:        c.ProgramCode,
				LegalBasis:        legalBasis(sv),
				Window:            w.Window,
				SourceVersionID:   sv.ID,
				SourcePublishedAt: sv.PublishedAt,
				Tier:              sv.Tier,
				EvidenceID:        ev.ID,
			}
		case model.CandidateExclusion:
			req.Kind = store.CommitExclusion
			req.Claim = &model.ExclusionClaim{
				ProgramID:            c.ProgramID,
				HTS:                  c.HTS,
				Description:          c.Description,
				FilingCode:           c.ProgramCode,
				VerificationRequired: true,
				Window:               w.Window,
				SourceVersionID:      sv.ID,
				EvidenceID:           ev.ID,
			}
		case model.CandidateHTSChange:
			ch := &store.HTSChange{Code: model.HTSCode{
				Code:            c.HTS,
				Description:     c.Description,
				Window:          w.Window,
				SourceVersionID: sv.ID,
			}}
			if c.ReplacedBy != "" {
				ch.OldCode = c.HTS
				ch.Code.Code = c.ReplacedBy
			}
			req.Kind = store.CommitHTSChange
			req.HTSChange = ch
		default:
			return nil, eris.Errorf("pipeline: candidate %s has unknown kind %q", c.ID, c.Kind)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func legalBasis(sv model.SourceVersion) string {
	if sv.ExternalID == "" {
		return sv.Source
	}
	return sv.Source + " " + sv.ExternalID
}

// commit writes every gate-passed candidate of the job. Candidates are
// committed one at a time; a failure leaves earlier ones committed and the
// retry resumes with the rest.
func (p *Pipeline) commit(ctx context.Context, jc JobContext) (JobContext, error) {
	log := zap.L().With(zap.String("component", "pipeline.commit"), zap.Int64("job_id", jc.Job().ID))
	sv := *jc.Version()
	cm := Committer{Store: p.deps.Store, Metrics: p.deps.Metrics}

	out := make([]model.Candidate, 0, len(jc.Candidates()))
	committed := 0
	for _, c := range jc.Candidates() {
		if c.Status != model.CandidatePending {
			out = append(out, c)
			continue
		}
		d, ok := jc.Decision(c.ID)
		if !ok || !d.Pass {
			return jc, permanent(StageCommit, eris.Errorf("candidate %s reached commit without a gate decision", c.ID))
		}

		start := time.Now()
		results, err := cm.Commit(ctx, sv, c, d.Confidence, ValidatorGate, Actor)
		if err != nil {
			return jc, retryable(StageCommit, err)
		}
		if err := p.deps.Store.UpdateCandidate(ctx, c.ID, model.CandidatePending, model.CandidateCommitted, nil, "", ""); err != nil {
			return jc, retryable(StageCommit, eris.Wrapf(err, "mark candidate %s committed", c.ID))
		}
		c.Status = model.CandidateCommitted
		committed++
		out = append(out, c)

		log.Info("candidate committed",
			zap.String("candidate_id", c.ID),
			zap.String("kind", string(c.Kind)),
			zap.String("hts", c.HTS),
			zap.Int("windows", len(results)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	log.Info("commit stage finished", zap.Int("committed", committed))
	return jc.withCandidates(out), nil
}
