// Package queue is the durable ingest job queue. Jobs move through the
// pipeline states by compare-and-set transitions; workers claim queued jobs
// with lock-and-skip so no job is processed by two workers at once.
package queue

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = eris.New("queue: job not found")
	// ErrStale is returned when a job is no longer in the expected state.
	ErrStale = eris.New("queue: job status changed concurrently")
	// ErrCancelled is returned from Advance once cancellation was requested.
	ErrCancelled = eris.New("queue: job cancelled")
)

// MaxBackoff caps the retry delay.
const MaxBackoff = time.Hour

// EnqueueOptions tunes one Enqueue call.
type EnqueueOptions struct {
	// ParentJobID marks a reprocessing job; such jobs skip deduplication.
	ParentJobID *int64
	MaxAttempts int
}

// Filter selects jobs for listing.
type Filter struct {
	Status model.JobStatus
	Source string
	Limit  int
	Offset int
}

// Queue is the ingest job queue.
type Queue interface {
	// Enqueue creates a job for d unless one already exists for the same
	// (source, external id, content hash). created reports which happened.
	Enqueue(ctx context.Context, d model.Descriptor, opts EnqueueOptions) (job *model.IngestJob, created bool, err error)
	// Claim moves the oldest due queued job to fetching and returns it; nil
	// when nothing is due.
	Claim(ctx context.Context, worker string) (*model.IngestJob, error)
	// Advance moves a job from one state to the next. It fails with ErrStale
	// if the job is not in from and ErrCancelled if cancellation was
	// requested.
	Advance(ctx context.Context, id int64, from, to model.JobStatus) error
	// Fail records cause. Retryable failures below the attempt limit are
	// requeued with exponential backoff; everything else ends in failed.
	Fail(ctx context.Context, id int64, cause error, retryable bool) (model.JobStatus, error)
	// AttachSourceVersion links the fetched artifact to the job.
	AttachSourceVersion(ctx context.Context, id, sourceVersionID int64) error

	Get(ctx context.Context, id int64) (*model.IngestJob, error)
	List(ctx context.Context, f Filter) ([]model.IngestJob, error)
	Counts(ctx context.Context) (map[model.JobStatus]int, error)

	// Stuck lists active jobs that have not changed state for longer than
	// after.
	Stuck(ctx context.Context, after time.Duration) ([]model.IngestJob, error)
	// Reclaim returns an active job to the queue.
	Reclaim(ctx context.Context, id int64) error
	// Cancel requests cooperative cancellation. A queued job fails at once;
	// an active job fails at its next stage boundary.
	Cancel(ctx context.Context, id int64) error
	// Retry requeues a failed job with a fresh attempt budget.
	Retry(ctx context.Context, id int64) error
}

// Options carries the retry policy shared by the drivers.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	return o
}

// OptionsFromConfig converts the queue config section.
func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     time.Duration(cfg.BackoffSecs) * time.Second,
	}.withDefaults()
}

// New opens the configured driver. pool may be nil for the memory driver.
func New(cfg config.QueueConfig, pool db.Pool) (Queue, error) {
	opts := OptionsFromConfig(cfg)
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres":
		if pool == nil {
			return nil, eris.New("queue: postgres driver requires a database pool")
		}
		return NewPostgres(pool, opts), nil
	case "memory":
		return NewMemory(opts), nil
	}
	return nil, eris.Errorf("queue: unknown driver %q", cfg.Driver)
}

// Backoff returns the delay before the next attempt after attempts
// completed attempts: base, 2*base, 4*base, ... capped at MaxBackoff.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(MaxBackoff) {
		return MaxBackoff
	}
	return time.Duration(d)
}

// failure is the outcome of Fail for one job.
type failure struct {
	status model.JobStatus
	next   time.Time
}

// decideFailure applies the retry policy.
func decideFailure(j model.IngestJob, retryable bool, base time.Duration, now time.Time) failure {
	if retryable && !j.CancelRequested && j.Status.Active() && j.Attempts < j.MaxAttempts {
		return failure{status: model.JobQueued, next: now.Add(Backoff(base, j.Attempts))}
	}
	return failure{status: model.JobFailed, next: j.NextAttemptAt}
}

func validateDescriptor(d model.Descriptor) error {
	switch {
	case d.Source == "" || d.ExternalID == "":
		return eris.New("queue: descriptor needs source and external id")
	case len(d.URLs) == 0:
		return eris.Errorf("queue: descriptor %s/%s has no urls", d.Source, d.ExternalID)
	case d.ContentHash == "":
		return eris.Errorf("queue: descriptor %s/%s has no content hash", d.Source, d.ExternalID)
	case !d.Tier.Valid():
		return eris.Errorf("queue: descriptor %s/%s has invalid tier %q", d.Source, d.ExternalID, d.Tier)
	}
	return nil
}

func effectiveAt(d model.Descriptor) *time.Time {
	if d.EffectiveAt.IsZero() {
		return nil
	}
	t := model.Day(d.EffectiveAt)
	return &t
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return msg
}
