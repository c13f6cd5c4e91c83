package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Memory is an in-process queue for tests and the offline driver.
type Memory struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*model.IngestJob
}

// NewMemory creates an empty in-memory queue.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), now: time.Now, jobs: make(map[int64]*model.IngestJob)}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Enqueue(_ context.Context, d model.Descriptor, opts EnqueueOptions) (*model.IngestJob, bool, error) {
	if err := validateDescriptor(d); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.ParentJobID == nil {
		for _, j := range m.jobs {
			if j.ParentJobID == nil && j.Source == d.Source && j.ExternalID == d.ExternalID && j.ContentHash == d.ContentHash {
				cp := *j
				return &cp, false, nil
			}
		}
	} else if _, ok := m.jobs[*opts.ParentJobID]; !ok {
		return nil, false, eris.Wrapf(ErrNotFound, "queue: parent job %d", *opts.ParentJobID)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.opts.MaxAttempts
	}
	now := m.now()
	m.nextID++
	j := &model.IngestJob{
		ID:            m.nextID,
		Source:        d.Source,
		ExternalID:    d.ExternalID,
		URLs:          append([]string(nil), d.URLs...),
		Title:         d.Title,
		Tier:          d.Tier,
		ContentHash:   d.ContentHash,
		PublishedAt:   d.PublishedAt,
		EffectiveAt:   effectiveAt(d),
		Status:        model.JobQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		ParentJobID:   opts.ParentJobID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.jobs[j.ID] = j
	cp := *j
	return &cp, true, nil
}

func (m *Memory) Claim(_ context.Context, worker string) (*model.IngestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []*model.IngestJob
	for _, j := range m.jobs {
		if j.Status == model.JobQueued && !j.CancelRequested && !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].NextAttemptAt.Equal(due[b].NextAttemptAt) {
			return due[a].NextAttemptAt.Before(due[b].NextAttemptAt)
		}
		return due[a].ID < due[b].ID
	})
	j := due[0]
	j.Status = model.JobFetching
	j.Attempts++
	j.ClaimedBy = worker
	j.ClaimedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *Memory) Advance(_ context.Context, id int64, from, to model.JobStatus) error {
	if !model.CanTransition(from, to) {
		return eris.Errorf("queue: illegal transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	switch {
	case !ok:
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	case j.Status != from:
		return eris.Wrapf(ErrStale, "queue: job %d is %s, not %s", id, j.Status, from)
	case j.CancelRequested && to != model.JobFailed:
		return eris.Wrapf(ErrCancelled, "queue: job %d", id)
	}
	j.Status = to
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Fail(_ context.Context, id int64, cause error, retryable bool) (model.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return "", eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	if !model.CanTransition(j.Status, model.JobFailed) {
		return "", eris.Wrapf(ErrStale, "queue: job %d is %s", id, j.Status)
	}
	now := m.now()
	f := decideFailure(*j, retryable, m.opts.Backoff, now)
	j.Status = f.status
	j.NextAttemptAt = f.next
	j.LastError = truncateError(cause)
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.UpdatedAt = now
	return f.status, nil
}

func (m *Memory) AttachSourceVersion(_ context.Context, id, sourceVersionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	j.SourceVersionID = &sourceVersionID
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(_ context.Context, id int64) (*model.IngestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]model.IngestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.IngestJob
	for _, j := range m.jobs {
		if (f.Status == "" || j.Status == f.Status) && (f.Source == "" || j.Source == f.Source) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return page(out, f.Offset, f.Limit), nil
}

func (m *Memory) Counts(_ context.Context) (map[model.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.JobStatus]int)
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *Memory) Stuck(_ context.Context, after time.Duration) ([]model.IngestJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-after)
	var out []model.IngestJob
	for _, j := range m.jobs {
		if j.Status.Active() && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return out, nil
}

func (m *Memory) Reclaim(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	if !j.Status.Active() {
		return eris.Wrapf(ErrStale, "queue: job %d is %s, not active", id, j.Status)
	}
	now := m.now()
	j.Status = model.JobQueued
	j.LastError = "reclaimed from " + j.ClaimedBy
	j.ClaimedBy = ""
	j.ClaimedAt = nil
	j.NextAttemptAt = now
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Cancel(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	if j.Status.Terminal() {
		return eris.Wrapf(ErrStale, "queue: job %d already %s", id, j.Status)
	}
	j.CancelRequested = true
	if j.Status == model.JobQueued {
		j.Status = model.JobFailed
		j.LastError = "cancelled"
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Retry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "queue: job %d", id)
	}
	if j.Status != model.JobFailed {
		return eris.Wrapf(ErrStale, "queue: job %d is %s, not failed", id, j.Status)
	}
	now := m.now()
	j.Status = model.JobQueued
	j.Attempts = 0
	j.CancelRequested = false
	j.NextAttemptAt = now
	j.UpdatedAt = now
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
