package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/extract"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

const candidatePage = 500

// extract runs the table extractor over the whole document and, when
// enabled, the narrative extractor over chunks no table row was found in.
// Candidate ids are deterministic, so a retry saves nothing new and the
// reload picks up whatever status earlier attempts reached.
func (p *Pipeline) extract(ctx context.Context, jc JobContext) (JobContext, error) {
	job := jc.Job()
	log := zap.L().With(zap.String("component", "pipeline.extract"), zap.Int64("job_id", job.ID))

	programs, err := p.deps.Store.ListPrograms(ctx)
	if err != nil {
		return jc, retryable(StageExtract, eris.Wrap(err, "load programs"))
	}
	in := extract.Input{
		JobID:       job.ID,
		Version:     *jc.Version(),
		Doc:         jc.Document(),
		Chunks:      jc.Chunks(),
		Programs:    programs,
		EffectiveAt: effectiveOrZero(job),
	}

	cands, err := p.table.Extract(ctx, in)
	if err != nil {
		return jc, eris.Wrap(err, "table extraction")
	}

	if p.opts.NarrativeFallback {
		rest := uncovered(in.Chunks, cands)
		if len(rest) > 0 {
			nin := in
			nin.Chunks = rest
			more, err := p.deps.Narrative.Extract(ctx, nin)
			if err != nil {
				return jc, retryable(StageExtract, eris.Wrap(err, "narrative extraction"))
			}
			cands = append(cands, more...)
		}
	}

	if err := p.deps.Store.SaveCandidates(ctx, cands); err != nil {
		return jc, retryable(StageExtract, eris.Wrap(err, "save candidates"))
	}
	all, err := p.jobCandidates(ctx, job.ID)
	if err != nil {
		return jc, retryable(StageExtract, err)
	}

	log.Info("candidates extracted",
		zap.Int("new", len(cands)),
		zap.Int("total", len(all)),
	)
	return jc.withCandidates(all), nil
}

// jobCandidates pages through every candidate of a job.
func (p *Pipeline) jobCandidates(ctx context.Context, jobID int64) ([]model.Candidate, error) {
	var all []model.Candidate
	for offset := 0; ; offset += candidatePage {
		page, err := p.deps.Store.ListCandidates(ctx, store.CandidateFilter{
			JobID:  jobID,
			Limit:  candidatePage,
			Offset: offset,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "list candidates of job %d", jobID)
		}
		all = append(all, page...)
		if len(page) < candidatePage {
			return all, nil
		}
	}
}

// uncovered returns the chunks that contain no line cited by cands.
func uncovered(chunks []chunk.Chunk, cands []model.Candidate) []chunk.Chunk {
	var out []chunk.Chunk
	for _, ch := range chunks {
		hit := false
		for _, c := range cands {
			if c.LineStart >= ch.LineStart && c.LineStart <= ch.LineEnd {
				hit = true
				break
			}
		}
		if !hit {
			out = append(out, ch)
		}
	}
	return out
}

// effectiveOrZero is the job's announced effective date, if any.
func effectiveOrZero(job model.IngestJob) time.Time {
	if job.EffectiveAt == nil {
		return time.Time{}
	}
	return *job.EffectiveAt
}
