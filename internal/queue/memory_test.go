package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemory() (*Memory, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(Options{MaxAttempts: 3, Backoff: time.Minute})
	m.SetClock(c.now)
	return m, c
}

func descriptor(ext, hash string) model.Descriptor {
	return model.Descriptor{
		Source:      "federal_register",
		ExternalID:  ext,
		URLs:        []string{"https://example.test/" + ext + ".xml"},
		Tier:        model.TierBinding,
		PublishedAt: model.MustDate("2025-02-28"),
		ContentHash: hash,
	}
}

func TestMemory_EnqueueDedup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	a, created, err := m.Enqueue(ctx, descriptor("2025-0001", "h1"), EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.JobQueued, a.Status)
	assert.Equal(t, 3, a.MaxAttempts)

	b, created, err := m.Enqueue(ctx, descriptor("2025-0001", "h1"), EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)

	// A corrected document under the same id is a new version.
	c, created, err := m.Enqueue(ctx, descriptor("2025-0001", "h2"), EnqueueOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)

	// Reprocessing bypasses dedup.
	d, created, err := m.Enqueue(ctx, descriptor("2025-0001", "h1"), EnqueueOptions{ParentJobID: &a.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, a.ID, *d.ParentJobID)
}

func TestMemory_EnqueueValidates(t *testing.T) {
	m, _ := newTestMemory()
	d := descriptor("x", "h")
	d.URLs = nil
	_, _, err := m.Enqueue(context.Background(), d, EnqueueOptions{})
	assert.Error(t, err)

	d = descriptor("x", "h")
	d.Tier = "rumor"
	_, _, err = m.Enqueue(context.Background(), d, EnqueueOptions{})
	assert.Error(t, err)
}

func TestMemory_ClaimOrderAndAdvance(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	first, _, _ := m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})
	_, _, _ = m.Enqueue(ctx, descriptor("b", "2"), EnqueueOptions{})

	job, err := m.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, model.JobFetching, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w1", job.ClaimedBy)

	require.NoError(t, m.Advance(ctx, job.ID, model.JobFetching, model.JobFetched))
	err = m.Advance(ctx, job.ID, model.JobFetching, model.JobFetched)
	assert.True(t, errors.Is(err, ErrStale))

	err = m.Advance(ctx, job.ID, model.JobFetched, model.JobCommitted)
	assert.Error(t, err, "skipping stages is illegal")
}

func TestMemory_FailBacksOffThenGivesUp(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMemory()
	j, _, _ := m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := m.Claim(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)

		st, err := m.Fail(ctx, j.ID, errors.New("http 503"), true)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, model.JobQueued, st)
			got, _ := m.Get(ctx, j.ID)
			assert.Equal(t, c.now().Add(Backoff(time.Minute, attempt)), got.NextAttemptAt)

			none, err := m.Claim(ctx, "w")
			require.NoError(t, err)
			assert.Nil(t, none, "not due before backoff")
			c.advance(Backoff(time.Minute, attempt))
		} else {
			assert.Equal(t, model.JobFailed, st)
		}
	}
	got, _ := m.Get(ctx, j.ID)
	assert.Equal(t, "http 503", got.LastError)
}

func TestMemory_NonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	j, _, _ := m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})
	_, _ = m.Claim(ctx, "w")

	st, err := m.Fail(ctx, j.ID, errors.New("not a document"), false)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, st)

	require.NoError(t, m.Retry(ctx, j.ID))
	got, _ := m.Get(ctx, j.ID)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestMemory_Cancel(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	queued, _, _ := m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})
	require.NoError(t, m.Cancel(ctx, queued.ID))
	got, _ := m.Get(ctx, queued.ID)
	assert.Equal(t, model.JobFailed, got.Status)

	active, _, _ := m.Enqueue(ctx, descriptor("b", "2"), EnqueueOptions{})
	job, _ := m.Claim(ctx, "w")
	require.Equal(t, active.ID, job.ID)
	require.NoError(t, m.Cancel(ctx, active.ID))

	err := m.Advance(ctx, active.ID, model.JobFetching, model.JobFetched)
	assert.True(t, errors.Is(err, ErrCancelled))

	st, err := m.Fail(ctx, active.ID, err, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, st, "cancelled jobs are never retried")

	assert.True(t, errors.Is(m.Cancel(ctx, active.ID), ErrStale))
}

func TestMemory_StuckAndReclaim(t *testing.T) {
	ctx := context.Background()
	m, c := newTestMemory()
	j, _, _ := m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})
	_, _ = m.Claim(ctx, "w-dead")

	stuck, err := m.Stuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	c.advance(time.Hour)
	stuck, err = m.Stuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, j.ID, stuck[0].ID)

	require.NoError(t, m.Reclaim(ctx, j.ID))
	got, _ := m.Get(ctx, j.ID)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, "reclaimed from w-dead", got.LastError)
	assert.True(t, errors.Is(m.Reclaim(ctx, j.ID), ErrStale))
}

func TestMemory_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Options{})
	for i := 0; i < 50; i++ {
		_, _, err := m.Enqueue(ctx, descriptor(string(rune('a'+i%26))+string(rune('a'+i/26)), "h"), EnqueueOptions{})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := m.Claim(ctx, "w")
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestMemory_ListAndCounts(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()
	_, _, _ = m.Enqueue(ctx, descriptor("a", "1"), EnqueueOptions{})
	_, _, _ = m.Enqueue(ctx, descriptor("b", "2"), EnqueueOptions{})
	_, _ = m.Claim(ctx, "w")

	queued, err := m.List(ctx, Filter{Status: model.JobQueued})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "b", queued[0].ExternalID)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.JobQueued])
	assert.Equal(t, 1, counts[model.JobFetching])
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(time.Minute, 0))
	assert.Equal(t, time.Minute, Backoff(time.Minute, 1))
	assert.Equal(t, 4*time.Minute, Backoff(time.Minute, 3))
	assert.Equal(t, MaxBackoff, Backoff(time.Minute, 20))
}
