package watcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/db"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// Run is one row of the watcher run log.
type Run struct {
	ID          int64      `json:"id"`
	Watcher     string     `json:"watcher"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Checkpoint  string     `json:"checkpoint,omitempty"`
	Discovered  int        `json:"discovered"`
	Enqueued    int        `json:"enqueued"`
	Error       string     `json:"error,omitempty"`
}

// RunResult is passed to Complete.
type RunResult struct {
	Checkpoint string
	Discovered int
	Enqueued   int
}

// RunLog records watcher runs. The checkpoint of the latest completed run
// is where the next poll starts.
type RunLog interface {
	LastCheckpoint(ctx context.Context, watcher string) (string, error)
	LastSuccess(ctx context.Context, watcher string) (*time.Time, error)
	Start(ctx context.Context, watcher string) (int64, error)
	Complete(ctx context.Context, id int64, res RunResult) error
	Fail(ctx context.Context, id int64, msg string) error
	// Latest returns the most recent run of every watcher.
	Latest(ctx context.Context) ([]Run, error)
}

// PostgresRunLog stores runs in tariff.watcher_runs.
type PostgresRunLog struct {
	pool db.Pool
}

// NewPostgresRunLog creates a run log backed by pool.
func NewPostgresRunLog(pool db.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool}
}

func (l *PostgresRunLog) LastCheckpoint(ctx context.Context, watcher string) (string, error) {
	var cp string
	err := l.pool.QueryRow(ctx,
		`SELECT checkpoint FROM tariff.watcher_runs
		 WHERE watcher = $1 AND status = 'complete'
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		watcher,
	).Scan(&cp)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cp, eris.Wrapf(err, "runlog: last checkpoint for %s", watcher)
}

func (l *PostgresRunLog) LastSuccess(ctx context.Context, watcher string) (*time.Time, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT completed_at FROM tariff.watcher_runs
		 WHERE watcher = $1 AND status = 'complete'
		 ORDER BY completed_at DESC LIMIT 1`,
		watcher,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: last success for %s", watcher)
	}
	return &t, nil
}

func (l *PostgresRunLog) Start(ctx context.Context, watcher string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO tariff.watcher_runs (watcher, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		watcher,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start run for %s", watcher)
	}
	return id, nil
}

func (l *PostgresRunLog) Complete(ctx context.Context, id int64, res RunResult) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE tariff.watcher_runs
		 SET status = 'complete', completed_at = now(), checkpoint = $1, discovered = $2, enqueued = $3
		 WHERE id = $4`,
		res.Checkpoint, res.Discovered, res.Enqueued, id,
	)
	return eris.Wrapf(err, "runlog: complete run %d", id)
}

func (l *PostgresRunLog) Fail(ctx context.Context, id int64, msg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE tariff.watcher_runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		msg, id,
	)
	return eris.Wrapf(err, "runlog: fail run %d", id)
}

func (l *PostgresRunLog) Latest(ctx context.Context) ([]Run, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT DISTINCT ON (watcher)
			id, watcher, status, started_at, completed_at, checkpoint, discovered, enqueued, error
		 FROM tariff.watcher_runs
		 ORDER BY watcher, started_at DESC, id DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: latest runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Watcher, &r.Status, &r.StartedAt, &r.CompletedAt,
			&r.Checkpoint, &r.Discovered, &r.Enqueued, &r.Error); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "runlog: iterate runs")
}

// MemoryRunLog keeps runs in memory.
type MemoryRunLog struct {
	mu   sync.Mutex
	runs []Run
	now  func() time.Time
}

// NewMemoryRunLog creates an empty in-memory run log.
func NewMemoryRunLog() *MemoryRunLog {
	return &MemoryRunLog{now: time.Now}
}

func (l *MemoryRunLog) lastComplete(watcher string) *Run {
	for i := len(l.runs) - 1; i >= 0; i-- {
		if l.runs[i].Watcher == watcher && l.runs[i].Status == RunComplete {
			return &l.runs[i]
		}
	}
	return nil
}

func (l *MemoryRunLog) LastCheckpoint(_ context.Context, watcher string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.lastComplete(watcher); r != nil {
		return r.Checkpoint, nil
	}
	return "", nil
}

func (l *MemoryRunLog) LastSuccess(_ context.Context, watcher string) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.lastComplete(watcher); r != nil {
		t := *r.CompletedAt
		return &t, nil
	}
	return nil, nil
}

func (l *MemoryRunLog) Start(_ context.Context, watcher string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := int64(len(l.runs) + 1)
	l.runs = append(l.runs, Run{ID: id, Watcher: watcher, Status: RunRunning, StartedAt: l.now()})
	return id, nil
}

func (l *MemoryRunLog) finish(id int64, fn func(r *Run)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 1 || id > int64(len(l.runs)) {
		return eris.Errorf("runlog: unknown run %d", id)
	}
	r := &l.runs[id-1]
	now := l.now()
	r.CompletedAt = &now
	fn(r)
	return nil
}

func (l *MemoryRunLog) Complete(_ context.Context, id int64, res RunResult) error {
	return l.finish(id, func(r *Run) {
		r.Status = RunComplete
		r.Checkpoint = res.Checkpoint
		r.Discovered = res.Discovered
		r.Enqueued = res.Enqueued
	})
}

func (l *MemoryRunLog) Fail(_ context.Context, id int64, msg string) error {
	return l.finish(id, func(r *Run) {
		r.Status = RunFailed
		r.Error = msg
	})
}

func (l *MemoryRunLog) Latest(_ context.Context) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := map[string]Run{}
	for _, r := range l.runs {
		latest[r.Watcher] = r
	}
	out := make([]Run, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Watcher < out[j].Watcher })
	return out, nil
}
