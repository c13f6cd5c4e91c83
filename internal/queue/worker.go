package queue

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Handler processes one claimed job. The handler owns every state
// transition after fetching; a returned error is logged and the job is
// failed if the handler left it active.
type Handler interface {
	Handle(ctx context.Context, job *model.IngestJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *model.IngestJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *model.IngestJob) error { return f(ctx, job) }

// PoolOptions configures a worker pool.
type PoolOptions struct {
	Workers int
	Poll    time.Duration
	// Drain stops each worker once the queue has nothing due instead of
	// polling forever.
	Drain bool
	// MaxJobs stops the pool after this many claims; 0 means unlimited.
	MaxJobs int
}

// Stats summarizes a pool run.
type Stats struct {
	Claimed int64
	Errors  int64
}

// Pool drains a queue with independent workers that share nothing but the
// queue itself.
type Pool struct {
	q       Queue
	handler Handler
	opts    PoolOptions
	prefix  string
}

// NewPool creates a worker pool.
func NewPool(q Queue, h Handler, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	host, _ := os.Hostname()
	return &Pool{q: q, handler: h, opts: opts, prefix: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])}
}

// Run blocks until ctx is cancelled, or, with Drain, until no job is due.
func (p *Pool) Run(ctx context.Context) (Stats, error) {
	log := zap.L().With(zap.String("component", "queue.pool"))
	var claimed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		worker := fmt.Sprintf("%s/%d", p.prefix, i)
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				if p.opts.MaxJobs > 0 && claimed.Load() >= int64(p.opts.MaxJobs) {
					return nil
				}

				job, err := p.q.Claim(gctx, worker)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return eris.Wrapf(err, "queue: worker %s claim", worker)
				}
				if job == nil {
					if p.opts.Drain {
						return nil
					}
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(p.opts.Poll):
					}
					continue
				}

				claimed.Add(1)
				if err := p.handle(gctx, job); err != nil {
					failed.Add(1)
					log.Error("job failed",
						zap.String("worker", worker),
						zap.Int64("job_id", job.ID),
						zap.Error(err),
					)
				}
			}
		})
	}

	err := g.Wait()
	stats := Stats{Claimed: claimed.Load(), Errors: failed.Load()}
	log.Info("worker pool stopped",
		zap.Int("workers", p.opts.Workers),
		zap.Int64("claimed", stats.Claimed),
		zap.Int64("errors", stats.Errors),
	)
	return stats, err
}

// handle runs the handler and fails the job if it returned an error while
// the job is still active.
func (p *Pool) handle(ctx context.Context, job *model.IngestJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panic: %v", r)
		}
		if err == nil {
			return
		}
		current, gerr := p.q.Get(context.WithoutCancel(ctx), job.ID)
		if gerr != nil || !current.Status.Active() {
			return
		}
		if _, ferr := p.q.Fail(context.WithoutCancel(ctx), job.ID, err, false); ferr != nil {
			zap.L().Error("queue: fail job after handler error", zap.Int64("job_id", job.ID), zap.Error(ferr))
		}
	}()
	return p.handler.Handle(ctx, job)
}
