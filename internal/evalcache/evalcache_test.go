package evalcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
)

type fakeKV struct {
	data   map[string]string
	ttl    map[string]time.Duration
	getErr error
	setErr error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value any, exp time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = string(value.([]byte))
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

type countingEvaluator struct {
	calls int
	err   error
}

func (c *countingEvaluator) Evaluate(_ context.Context, req engine.Request) (*engine.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &engine.Result{HTS: req.HTS, Country: req.Country, Applies: true, TotalDutyCents: 2500}, nil
}

type fixedRevision struct {
	rev int64
	err error
}

func (f *fixedRevision) Revision(context.Context) (int64, error) { return f.rev, f.err }

func request() engine.Request {
	return engine.Request{
		HTS:        "8544429090",
		Country:    "CN",
		EntryDate:  model.MustDate("2025-06-01"),
		Today:      model.MustDate("2025-06-01"),
		ValueCents: 1_000_000,
		Composition: []engine.Content{
			{Key: "copper", ValueCents: 300_000},
			{Key: "steel", ValueCents: 100_000},
		},
	}
}

func TestEvaluate_MissThenHit(t *testing.T) {
	kv := newFakeKV()
	next := &countingEvaluator{}
	m := metrics.New(prometheus.NewRegistry())
	c := New(kv, next, &fixedRevision{rev: 4}, time.Minute, m)
	ctx := context.Background()

	first, err := c.Evaluate(ctx, request())
	require.NoError(t, err)
	second, err := c.Evaluate(ctx, request())
	require.NoError(t, err)

	assert.Equal(t, 1, next.calls)
	assert.Equal(t, first.TotalDutyCents, second.TotalDutyCents)
	assert.True(t, second.Applies)
	assert.Equal(t, time.Minute, kv.ttl[Key(4, request())])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))
}

func TestEvaluate_RevisionChangeMisses(t *testing.T) {
	kv := newFakeKV()
	next := &countingEvaluator{}
	rev := &fixedRevision{rev: 1}
	c := New(kv, next, rev, 0, nil)
	ctx := context.Background()

	_, err := c.Evaluate(ctx, request())
	require.NoError(t, err)
	rev.rev = 2
	_, err = c.Evaluate(ctx, request())
	require.NoError(t, err)

	assert.Equal(t, 2, next.calls)
	assert.Equal(t, DefaultTTL, kv.ttl[Key(2, request())])
}

func TestEvaluate_RedisDownFallsThrough(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection refused")
	kv.setErr = errors.New("connection refused")
	next := &countingEvaluator{}
	c := New(kv, next, &fixedRevision{rev: 1}, time.Minute, nil)

	res, err := c.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.TotalDutyCents)
	assert.Equal(t, 1, next.calls)
}

func TestEvaluate_RevisionErrorBypasses(t *testing.T) {
	kv := newFakeKV()
	next := &countingEvaluator{}
	c := New(kv, next, &fixedRevision{err: errors.New("db down")}, time.Minute, nil)

	_, err := c.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Empty(t, kv.data)
}

func TestEvaluate_ErrorsNotCached(t *testing.T) {
	kv := newFakeKV()
	next := &countingEvaluator{err: &engine.ValidationError{Field: "hts", Reason: "bad"}}
	c := New(kv, next, &fixedRevision{rev: 1}, time.Minute, nil)

	_, err := c.Evaluate(context.Background(), request())
	var ve *engine.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, kv.data)
}

func TestEvaluate_CorruptEntryRecomputed(t *testing.T) {
	kv := newFakeKV()
	kv.data[Key(1, request())] = "{not json"
	next := &countingEvaluator{}
	c := New(kv, next, &fixedRevision{rev: 1}, time.Minute, nil)

	res, err := c.Evaluate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "8544429090", res.HTS)
	assert.Equal(t, 1, next.calls)
}

func TestKey(t *testing.T) {
	a := request()
	b := request()
	b.Composition = []engine.Content{a.Composition[1], a.Composition[0]}
	b.EntryDate = a.EntryDate.Add(13 * time.Hour)
	assert.Equal(t, Key(1, a), Key(1, b), "order and time of day are ignored")

	assert.NotEqual(t, Key(1, a), Key(2, a))
	c := request()
	c.ValueCents++
	assert.NotEqual(t, Key(1, a), Key(1, c))
	assert.Contains(t, Key(7, a), "tariff:eval:7:")
}
