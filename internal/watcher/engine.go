package watcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// Enqueuer is the part of the queue a watcher run needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, d model.Descriptor, opts queue.EnqueueOptions) (*model.IngestJob, bool, error)
}

// EngineOptions tunes a watcher engine.
type EngineOptions struct {
	// Concurrency bounds how many watchers poll at once. Default 3.
	Concurrency int
	Breaker     resilience.BreakerConfig
}

// EngineOptionsFromConfig converts the watchers config section.
func EngineOptionsFromConfig(cfg config.WatchersConfig) EngineOptions {
	return EngineOptions{Breaker: resilience.BreakerConfigFrom(cfg.BreakerFailures, cfg.BreakerResetSec)}
}

// Report summarizes one watcher's run.
type Report struct {
	Watcher    string        `json:"watcher"`
	RunID      int64         `json:"run_id"`
	Checkpoint string        `json:"checkpoint,omitempty"`
	Discovered int           `json:"discovered"`
	Enqueued   int           `json:"enqueued"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// Engine polls watchers and enqueues what they discover. Each watcher has
// its own circuit breaker so a failing source stops being hammered without
// holding up the others.
type Engine struct {
	reg     *Registry
	runs    RunLog
	q       Enqueuer
	metrics *metrics.Metrics
	opts    EngineOptions

	breakers *resilience.Breakers
}

// NewEngine creates a watcher engine. m may be nil.
func NewEngine(reg *Registry, runs RunLog, q Enqueuer, m *metrics.Metrics, opts EngineOptions) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	cfg := opts.Breaker
	cfg.OnChange = func(name string, from, to resilience.State) {
		zap.L().Warn("watcher: circuit state changed",
			zap.String("watcher", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return &Engine{
		reg:      reg,
		runs:     runs,
		q:        q,
		metrics:  m,
		opts:     opts,
		breakers: resilience.NewBreakers(cfg),
	}
}

func (e *Engine) breaker(name string) *resilience.Breaker {
	return e.breakers.Get(name)
}

// Run polls the named watchers (all when names is empty). A failing watcher
// is recorded in its report and the run log; it does not fail the others.
func (e *Engine) Run(ctx context.Context, names []string) ([]Report, error) {
	watchers, err := e.reg.Select(names)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "watcher.engine"))
	log.Info("watcher run starting", zap.Int("watchers", len(watchers)))

	reports := make([]Report, len(watchers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, w := range watchers {
		g.Go(func() error {
			rep, err := e.runOne(gctx, w)
			reports[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}

	var failed int
	for _, r := range reports {
		if r.Error != "" {
			failed++
		}
	}
	log.Info("watcher run complete", zap.Int("watchers", len(reports)), zap.Int("failed", failed))
	return reports, nil
}

// runOne returns an error only when the run log itself is unusable.
func (e *Engine) runOne(ctx context.Context, w Watcher) (Report, error) {
	name := w.Name()
	log := zap.L().With(zap.String("component", "watcher"), zap.String("watcher", name))
	rep := Report{Watcher: name}
	start := time.Now()

	checkpoint, err := e.runs.LastCheckpoint(ctx, name)
	if err != nil {
		return rep, err
	}
	runID, err := e.runs.Start(ctx, name)
	if err != nil {
		return rep, err
	}
	rep.RunID = runID

	fail := func(err error) (Report, error) {
		rep.Error = err.Error()
		rep.Elapsed = time.Since(start)
		e.metrics.WatcherRun(name, "failed", 0)
		log.Error("watcher failed", zap.Error(err), zap.Duration("elapsed", rep.Elapsed))
		if lerr := e.runs.Fail(context.WithoutCancel(ctx), runID, err.Error()); lerr != nil {
			log.Error("failed to record watcher failure", zap.Error(lerr))
		}
		return rep, nil
	}

	poll, err := resilience.Call(ctx, e.breaker(name), func(ctx context.Context) (*Poll, error) {
		return w.Poll(ctx, checkpoint)
	})
	if err != nil {
		return fail(eris.Wrapf(err, "watcher %s: poll", name))
	}

	rep.Discovered = len(poll.Documents)
	for _, d := range poll.Documents {
		_, created, err := e.q.Enqueue(ctx, d, queue.EnqueueOptions{})
		if err != nil {
			// The checkpoint is not advanced; the next poll sees these again.
			return fail(eris.Wrapf(err, "watcher %s: enqueue %s", name, d.ExternalID))
		}
		if created {
			rep.Enqueued++
			log.Info("document enqueued", zap.String("external_id", d.ExternalID), zap.String("title", d.Title))
		}
	}

	rep.Checkpoint = poll.Checkpoint
	rep.Elapsed = time.Since(start)
	if err := e.runs.Complete(ctx, runID, RunResult{
		Checkpoint: poll.Checkpoint,
		Discovered: rep.Discovered,
		Enqueued:   rep.Enqueued,
	}); err != nil {
		return rep, err
	}
	e.metrics.WatcherRun(name, "complete", rep.Enqueued)
	log.Info("watcher complete",
		zap.Int("discovered", rep.Discovered),
		zap.Int("enqueued", rep.Enqueued),
		zap.String("checkpoint", rep.Checkpoint),
		zap.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

// Health is the freshness view of one watcher.
type Health struct {
	Watcher       string     `json:"watcher"`
	LastStatus    string     `json:"last_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Breaker       string     `json:"breaker"`
}

// Health reports every registered watcher, including ones that never ran.
func (e *Engine) Health(ctx context.Context) ([]Health, error) {
	latest, err := e.runs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Run, len(latest))
	for _, r := range latest {
		byName[r.Watcher] = r
	}

	out := make([]Health, 0, len(e.reg.Names()))
	for _, name := range e.reg.Names() {
		h := Health{Watcher: name, Breaker: string(e.breaker(name).State())}
		if r, ok := byName[name]; ok {
			started := r.StartedAt
			h.LastStatus = r.Status
			h.LastRunAt = &started
			h.LastError = r.Error
		}
		h.LastSuccessAt, err = e.runs.LastSuccess(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
