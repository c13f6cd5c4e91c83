// Package pipeline turns an ingest job into committed facts: fetch, render,
// chunk, extract, validate and gate, then commit. Every stage is
// idempotent so a retried job converges on the same ledger state.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/blob"
	"github.com/sells-group/tariff-cli/internal/chunk"
	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/cost"
	"github.com/sells-group/tariff-cli/internal/extract"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/render"
	"github.com/sells-group/tariff-cli/internal/store"
)

// DefaultConfidenceThreshold is the gate's minimum candidate confidence.
const DefaultConfidenceThreshold = 0.85

// Actor is recorded on pipeline commits.
const Actor = "pipeline"

// ReviewNotifier is told about candidates that need a human.
type ReviewNotifier interface {
	NotifyReview(ctx context.Context, job model.IngestJob, cands []model.Candidate) error
}

// Deps are the collaborators of a Pipeline. Narrative, Tracker, Metrics
// and Notifier are optional.
type Deps struct {
	Store     store.Store
	Queue     queue.Queue
	Blobs     blob.Store
	Fetcher   fetcher.Fetcher
	Renderers render.Set
	Narrative extract.Extractor
	Tracker   *cost.Tracker
	Metrics   *metrics.Metrics
	Notifier  ReviewNotifier
}

// Options tune chunking and the write gate.
type Options struct {
	Chunk               chunk.Options
	ConfidenceThreshold float64
	NarrativeFallback   bool
}

// OptionsFromConfig converts the pipeline config section.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		Chunk:               chunk.Options{MaxLines: cfg.ChunkMaxLines, Overlap: cfg.ChunkOverlap},
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		NarrativeFallback:   cfg.NarrativeFallback,
	}
}

// Pipeline processes claimed jobs. It implements queue.Handler.
type Pipeline struct {
	deps  Deps
	opts  Options
	table extract.Extractor
}

var _ queue.Handler = (*Pipeline)(nil)

// New creates a pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, eris.New("pipeline: store is required")
	case deps.Queue == nil:
		return nil, eris.New("pipeline: queue is required")
	case deps.Blobs == nil:
		return nil, eris.New("pipeline: blob store is required")
	case deps.Fetcher == nil:
		return nil, eris.New("pipeline: fetcher is required")
	}
	if deps.Renderers == nil {
		deps.Renderers = render.NewSet("")
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if deps.Narrative == nil {
		opts.NarrativeFallback = false
	}
	return &Pipeline{deps: deps, opts: opts, table: extract.TableExtractor{}}, nil
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: StageFetch, running: model.JobFetching, done: model.JobFetched, run: p.fetch},
		{name: StageRender, running: model.JobRendering, done: model.JobRendered, run: p.render},
		{name: StageChunk, running: model.JobChunking, done: model.JobChunked, run: p.chunk},
		{name: StageExtract, running: model.JobExtracting, done: model.JobExtracted, run: p.extract},
		{name: StageValidate, running: model.JobValidating, done: model.JobValidated, run: p.validate},
		{name: StageCommit, running: model.JobCommitting, done: model.JobCommitted, run: p.commit},
	}
}

// Handle runs every stage for a job claimed by a queue worker. Each stage
// boundary is a state transition, which is also where cancellation is
// observed.
func (p *Pipeline) Handle(ctx context.Context, job *model.IngestJob) error {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.Int64("job_id", job.ID),
		zap.String("source", job.Source),
		zap.String("external_id", job.ExternalID),
	)
	log.Info("pipeline: job started", zap.Int("attempt", job.Attempts))
	defer p.settleCost(job.ID)

	jc := NewJobContext(*job)
	current := job.Status
	for _, st := range p.stages() {
		if current != st.running {
			if err := p.deps.Queue.Advance(ctx, job.ID, current, st.running); err != nil {
				return p.abort(ctx, log, job.ID, err)
			}
			current = st.running
		}

		start := time.Now()
		next, err := st.run(ctx, jc)
		p.deps.Metrics.ObserveStage(st.name, time.Since(start))
		if err != nil {
			return p.fail(ctx, log, jc, current, classify(st.name, err))
		}
		jc = next

		if jc.Unchanged() {
			if err := p.deps.Queue.Advance(ctx, job.ID, current, model.JobCommitted); err != nil {
				return p.abort(ctx, log, job.ID, err)
			}
			p.deps.Metrics.JobOutcome("unchanged")
			log.Info("pipeline: document unchanged, nothing to do", zap.Int64("source_version_id", jc.Version().ID))
			return nil
		}

		done := st.done
		if done == model.JobCommitted {
			done = p.finalStatus(jc)
		}
		if err := p.deps.Queue.Advance(ctx, job.ID, current, done); err != nil {
			return p.abort(ctx, log, job.ID, err)
		}
		current = done
		log.Debug("pipeline: stage complete", zap.String("stage", st.name), zap.Duration("elapsed", time.Since(start)))
	}

	if current == model.JobNeedsReview {
		p.notify(ctx, log, jc)
	}
	p.deps.Metrics.JobOutcome(string(current))
	log.Info("pipeline: job finished",
		zap.String("status", string(current)),
		zap.Int("candidates", len(jc.Candidates())),
	)
	return nil
}

// finalStatus is needs_review when any candidate of the job still waits
// for a reviewer.
func (p *Pipeline) finalStatus(jc JobContext) model.JobStatus {
	for _, c := range jc.Candidates() {
		if c.Status == model.CandidateNeedsReview {
			return model.JobNeedsReview
		}
	}
	return model.JobCommitted
}

// fail routes a stage error to review, retry or failure.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, jc JobContext, current model.JobStatus, se *StageError) error {
	job := jc.Job()
	ctx = context.WithoutCancel(ctx)

	if se.Review {
		if err := p.deps.Queue.Advance(ctx, job.ID, current, model.JobNeedsReview); err != nil {
			return p.abort(ctx, log, job.ID, err)
		}
		p.deps.Metrics.JobOutcome(string(model.JobNeedsReview))
		log.Warn("pipeline: job needs review", zap.String("stage", se.Stage), zap.Error(se.Err))
		p.notify(ctx, log, jc)
		return nil
	}

	status, err := p.deps.Queue.Fail(ctx, job.ID, se, se.Retryable)
	if err != nil {
		return eris.Wrapf(err, "pipeline: record failure of job %d", job.ID)
	}
	if status == model.JobQueued {
		p.deps.Metrics.JobOutcome("retry")
		log.Warn("pipeline: stage failed, job requeued", zap.String("stage", se.Stage), zap.Error(se.Err))
		return nil
	}
	p.deps.Metrics.JobOutcome(string(model.JobFailed))
	log.Error("pipeline: job failed", zap.String("stage", se.Stage), zap.Bool("retryable", se.Retryable), zap.Error(se.Err))
	return se
}

// abort handles a refused state transition. A cancelled job is failed; a
// job whose state moved under us (reclaimed) is left to its new owner.
func (p *Pipeline) abort(ctx context.Context, log *zap.Logger, jobID int64, err error) error {
	ctx = context.WithoutCancel(ctx)
	switch {
	case errors.Is(err, queue.ErrCancelled):
		if _, ferr := p.deps.Queue.Fail(ctx, jobID, err, false); ferr != nil {
			return eris.Wrapf(ferr, "pipeline: fail cancelled job %d", jobID)
		}
		p.deps.Metrics.JobOutcome("cancelled")
		log.Warn("pipeline: job cancelled at stage boundary")
		return nil
	case errors.Is(err, queue.ErrStale):
		log.Warn("pipeline: job taken over, stopping", zap.Error(err))
		return nil
	}
	return eris.Wrapf(err, "pipeline: transition job %d", jobID)
}

func (p *Pipeline) notify(ctx context.Context, log *zap.Logger, jc JobContext) {
	if p.deps.Notifier == nil {
		return
	}
	var pending []model.Candidate
	for _, c := range jc.Candidates() {
		if c.Status == model.CandidateNeedsReview {
			pending = append(pending, c)
		}
	}
	if err := p.deps.Notifier.NotifyReview(ctx, jc.Job(), pending); err != nil {
		log.Warn("pipeline: review notification failed", zap.Error(err))
	}
}

func (p *Pipeline) settleCost(jobID int64) {
	if p.deps.Tracker == nil {
		return
	}
	jc := p.deps.Tracker.Job(jobID)
	p.deps.Metrics.AddExtractionCost(jc.CostUSD)
	p.deps.Tracker.Forget(jobID)
}
