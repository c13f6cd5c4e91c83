// Package monitoring reports how fresh the rule data is and raises alerts
// when watchers stall, the review backlog grows or jobs get stuck.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

// backlogScanLimit bounds how many review candidates are counted.
const backlogScanLimit = 10000

// ProgramFreshness is the latest commit for one program.
type ProgramFreshness struct {
	ProgramID       string     `json:"program_id"`
	Name            string     `json:"name"`
	LastCommittedAt *time.Time `json:"last_committed_at,omitempty"`
}

// FreshnessReport is a point-in-time view of rule data currency and
// ingestion health.
type FreshnessReport struct {
	Programs      []ProgramFreshness `json:"programs"`
	Watchers      []watcher.Health   `json:"watchers"`
	Queue         map[string]int     `json:"queue"`
	StuckJobs     []int64            `json:"stuck_jobs,omitempty"`
	ReviewBacklog int                `json:"review_backlog"`
	CollectedAt   time.Time          `json:"collected_at"`
}

// FactSource is the part of the store the collector reads.
type FactSource interface {
	ListPrograms(ctx context.Context) ([]model.Program, error)
	LastCommitted(ctx context.Context) (map[string]time.Time, error)
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.Candidate, error)
}

// QueueSource is the part of the queue the collector reads.
type QueueSource interface {
	Counts(ctx context.Context) (map[model.JobStatus]int, error)
	Stuck(ctx context.Context, after time.Duration) ([]model.IngestJob, error)
}

// WatcherSource reports watcher health.
type WatcherSource interface {
	Health(ctx context.Context) ([]watcher.Health, error)
}

// Collector gathers a FreshnessReport. Watchers and queue are optional.
type Collector struct {
	store      FactSource
	queue      QueueSource
	watchers   WatcherSource
	stuckAfter time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewCollector creates a collector. q, w and m may be nil.
func NewCollector(st FactSource, q QueueSource, w WatcherSource, stuckAfter time.Duration, m *metrics.Metrics) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Collector{store: st, queue: q, watchers: w, stuckAfter: stuckAfter, metrics: m, now: time.Now}
}

// Freshness collects per-program last commit times, watcher health, queue
// depth and the review backlog. It also refreshes the matching gauges.
func (c *Collector) Freshness(ctx context.Context) (*FreshnessReport, error) {
	rep := &FreshnessReport{CollectedAt: c.now().UTC(), Queue: map[string]int{}}

	programs, err := c.store.ListPrograms(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list programs")
	}
	last, err := c.store.LastCommitted(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last committed")
	}
	for _, p := range programs {
		pf := ProgramFreshness{ProgramID: p.ID, Name: p.Name}
		if t, ok := last[p.ID]; ok {
			t := t.UTC()
			pf.LastCommittedAt = &t
		}
		rep.Programs = append(rep.Programs, pf)
	}
	sort.Slice(rep.Programs, func(i, j int) bool { return rep.Programs[i].ProgramID < rep.Programs[j].ProgramID })

	backlog, err := c.store.ListCandidates(ctx, store.CandidateFilter{
		Status: model.CandidateNeedsReview,
		Limit:  backlogScanLimit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: review backlog")
	}
	rep.ReviewBacklog = len(backlog)
	c.metrics.SetReviewBacklog(rep.ReviewBacklog)

	if c.queue != nil {
		counts, err := c.queue.Counts(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue counts")
		}
		for status, n := range counts {
			rep.Queue[string(status)] = n
		}
		c.metrics.SetQueueDepth(rep.Queue)

		stuck, err := c.queue.Stuck(ctx, c.stuckAfter)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: stuck jobs")
		}
		for _, j := range stuck {
			rep.StuckJobs = append(rep.StuckJobs, j.ID)
		}
	}

	if c.watchers != nil {
		rep.Watchers, err = c.watchers.Health(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: watcher health")
		}
	}
	return rep, nil
}
