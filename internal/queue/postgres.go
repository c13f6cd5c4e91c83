package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

const jobCols = `id, source, external_id, urls, title, tier, content_hash, published_at, effective_at, status,
	attempts, max_attempts, last_error, next_attempt_at, claimed_by, claimed_at,
	cancel_requested, parent_job_id, source_version_id, created_at, updated_at`

// Postgres is the queue backed by tariff.ingest_jobs.
type Postgres struct {
	pool db.Pool
	opts Options
	now  func() time.Time
}

// NewPostgres creates a Postgres-backed queue.
func NewPostgres(pool db.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts.withDefaults(), now: time.Now}
}

func scanJob(row pgx.Row) (*model.IngestJob, error) {
	var (
		j            model.IngestJob
		tier, status string
	)
	err := row.Scan(
		&j.ID, &j.Source, &j.ExternalID, &j.URLs, &j.Title, &tier, &j.ContentHash, &j.PublishedAt, &j.EffectiveAt, &status,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.NextAttemptAt, &j.ClaimedBy, &j.ClaimedAt,
		&j.CancelRequested, &j.ParentJobID, &j.SourceVersionID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Tier = model.Tier(tier)
	j.Status = model.JobStatus(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows, op string) ([]model.IngestJob, error) {
	defer rows.Close()
	var out []model.IngestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "queue: %s scan", op)
		}
		out = append(out, *j)
	}
	return out, eris.Wrapf(rows.Err(), "queue: %s iterate", op)
}

// Enqueue inserts a job. Discovery jobs conflict on the dedup index and
// return the existing row instead.
func (q *Postgres) Enqueue(ctx context.Context, d model.Descriptor, opts EnqueueOptions) (*model.IngestJob, bool, error) {
	if err := validateDescriptor(d); err != nil {
		return nil, false, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	job, err := scanJob(q.pool.QueryRow(ctx,
		`INSERT INTO tariff.ingest_jobs (source, external_id, urls, title, tier, content_hash, published_at, effective_at, max_attempts, parent_job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source, external_id, content_hash) WHERE parent_job_id IS NULL DO NOTHING
		RETURNING `+jobCols,
		d.Source, d.ExternalID, d.URLs, d.Title, string(d.Tier), d.ContentHash, d.PublishedAt, effectiveAt(d), maxAttempts, opts.ParentJobID,
	))
	if err == nil {
		zap.L().Info("queue: job enqueued",
			zap.Int64("job_id", job.ID),
			zap.String("source", d.Source),
			zap.String("external_id", d.ExternalID),
		)
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "queue: enqueue %s/%s", d.Source, d.ExternalID)
	}

	job, err = scanJob(q.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM tariff.ingest_jobs
		WHERE source = $1 AND external_id = $2 AND content_hash = $3 AND parent_job_id IS NULL`,
		d.Source, d.ExternalID, d.ContentHash,
	))
	if err != nil {
		return nil, false, eris.Wrapf(err, "queue: load duplicate %s/%s", d.Source, d.ExternalID)
	}
	return job, false, nil
}

// Claim uses FOR UPDATE SKIP LOCKED so concurrent workers never take the
// same row.
func (q *Postgres) Claim(ctx context.Context, worker string) (*model.IngestJob, error) {
	job, err := scanJob(q.pool.QueryRow(ctx,
		`UPDATE tariff.ingest_jobs
		SET status = 'fetching', attempts = attempts + 1, claimed_by = $1, claimed_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM tariff.ingest_jobs
			WHERE status = 'queued' AND next_attempt_at <= $2 AND NOT cancel_requested
			ORDER BY next_attempt_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols,
		worker, q.now(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim")
	}
	return job, nil
}

func (q *Postgres) Advance(ctx context.Context, id int64, from, to model.JobStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Errorf("queue: illegal transition %s -> %s", from, to)
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE tariff.ingest_jobs SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2 AND (NOT cancel_requested OR $3 = 'failed')`,
		id, string(from), string(to), q.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: advance job %d to %s", id, to)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return q.whyNot(ctx, id, from)
}

// whyNot explains a conditional update that matched no row.
func (q *Postgres) whyNot(ctx context.Context, id int64, from model.JobStatus) error {
	var (
		status    string
		cancelled bool
	)
	err := q.pool.QueryRow(ctx,
		`SELECT status, cancel_requested FROM tariff.ingest_jobs WHERE id = $1`, id,
	).Scan(&status, &cancelled)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	case err != nil:
		return eris.Wrapf(err, "queue: load job %d", id)
	case cancelled && model.JobStatus(status) == from:
		return eris.Wrapf(ErrCancelled, "queue: job %d", id)
	}
	return eris.Wrapf(ErrStale, "queue: job %d is %s, not %s", id, status, from)
}

func (q *Postgres) Fail(ctx context.Context, id int64, cause error, retryable bool) (model.JobStatus, error) {
	var result model.JobStatus
	err := db.InTx(ctx, q.pool, db.TxOptions{}, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobCols+` FROM tariff.ingest_jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "queue: job %d", id)
		}
		if err != nil {
			return eris.Wrapf(err, "queue: lock job %d", id)
		}
		if !model.CanTransition(job.Status, model.JobFailed) {
			return eris.Wrapf(ErrStale, "queue: job %d is %s", id, job.Status)
		}

		now := q.now()
		f := decideFailure(*job, retryable, q.opts.Backoff, now)
		if _, err := tx.Exec(ctx,
			`UPDATE tariff.ingest_jobs
			SET status = $2, next_attempt_at = $3, last_error = $4, claimed_by = '', claimed_at = NULL, updated_at = $5
			WHERE id = $1`,
			id, string(f.status), f.next, truncateError(cause), now,
		); err != nil {
			return eris.Wrapf(err, "queue: fail job %d", id)
		}
		result = f.status
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (q *Postgres) AttachSourceVersion(ctx context.Context, id, sourceVersionID int64) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tariff.ingest_jobs SET source_version_id = $2, updated_at = $3 WHERE id = $1`,
		id, sourceVersionID, q.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: attach source version to job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	return nil
}

func (q *Postgres) Get(ctx context.Context, id int64) (*model.IngestJob, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM tariff.ingest_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	return job, eris.Wrapf(err, "queue: get job %d", id)
}

func (q *Postgres) List(ctx context.Context, f Filter) ([]model.IngestJob, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobCols+` FROM tariff.ingest_jobs
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR source = $2)
		ORDER BY id DESC
		LIMIT $3 OFFSET $4`,
		string(f.Status), f.Source, limit, f.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list jobs")
	}
	return collectJobs(rows, "list jobs")
}

func (q *Postgres) Counts(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM tariff.ingest_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "queue: count jobs")
	}
	defer rows.Close()

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "queue: scan count")
		}
		out[model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "queue: count iterate")
}

func (q *Postgres) Stuck(ctx context.Context, after time.Duration) ([]model.IngestJob, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+jobCols+` FROM tariff.ingest_jobs
		WHERE status NOT IN ('queued', 'committed', 'failed', 'needs_review') AND updated_at < $1
		ORDER BY updated_at`,
		q.now().Add(-after),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: stuck jobs")
	}
	return collectJobs(rows, "stuck jobs")
}

func (q *Postgres) Reclaim(ctx context.Context, id int64) error {
	now := q.now()
	tag, err := q.pool.Exec(ctx,
		`UPDATE tariff.ingest_jobs
		SET status = 'queued', last_error = 'reclaimed from ' || claimed_by, claimed_by = '', claimed_at = NULL,
			next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status NOT IN ('queued', 'committed', 'failed', 'needs_review')`,
		id, now,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: reclaim job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return q.terminalOrMissing(ctx, id, "active")
	}
	zap.L().Warn("queue: job reclaimed", zap.Int64("job_id", id))
	return nil
}

func (q *Postgres) Cancel(ctx context.Context, id int64) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tariff.ingest_jobs
		SET cancel_requested = true,
			status = CASE WHEN status = 'queued' THEN 'failed' ELSE status END,
			last_error = CASE WHEN status = 'queued' THEN 'cancelled' ELSE last_error END,
			updated_at = $2
		WHERE id = $1 AND status NOT IN ('committed', 'failed', 'needs_review')`,
		id, q.now(),
	)
	if err != nil {
		return eris.Wrapf(err, "queue: cancel job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return q.terminalOrMissing(ctx, id, "cancellable")
	}
	return nil
}

func (q *Postgres) Retry(ctx context.Context, id int64) error {
	now := q.now()
	tag, err := q.pool.Exec(ctx,
		`UPDATE tariff.ingest_jobs
		SET status = 'queued', attempts = 0, cancel_requested = false, next_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'failed'`,
		id, now,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: retry job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return q.terminalOrMissing(ctx, id, "failed")
	}
	return nil
}

func (q *Postgres) terminalOrMissing(ctx context.Context, id int64, want string) error {
	var status string
	err := q.pool.QueryRow(ctx, `SELECT status FROM tariff.ingest_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	if err != nil {
		return eris.Wrapf(err, "queue: load job %d", id)
	}
	return eris.Wrapf(ErrStale, "queue: job %d is %s, not %s", id, status, want)
}
