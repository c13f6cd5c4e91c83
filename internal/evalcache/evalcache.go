// Package evalcache caches evaluation results in Redis. Keys include the
// store revision, so any registry or fact change makes old entries
// unreachable and they age out by TTL.
package evalcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
)

const keyPrefix = "tariff:eval:"

// DefaultTTL applies when the configured TTL is not positive.
const DefaultTTL = 15 * time.Minute

// Evaluator computes results on a cache miss.
type Evaluator interface {
	Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Revisioner reports the current store revision.
type Revisioner interface {
	Revision(ctx context.Context) (int64, error)
}

// KV is the subset of the Redis client the cache uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// NewClient connects to Redis. It returns nil when no address is
// configured.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "evalcache: ping %s", cfg.Addr)
	}
	return client, nil
}

// Cache wraps an Evaluator. Redis failures degrade to uncached evaluation.
type Cache struct {
	kv      KV
	next    Evaluator
	rev     Revisioner
	ttl     time.Duration
	metrics *metrics.Metrics
}

// New creates a cache in front of next.
func New(kv KV, next Evaluator, rev Revisioner, ttl time.Duration, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, next: next, rev: rev, ttl: ttl, metrics: m}
}

// Evaluate returns a cached result for req at the current revision, or
// computes and stores one. Errors are never cached.
func (c *Cache) Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error) {
	log := zap.L().With(zap.String("component", "evalcache"))

	rev, err := c.rev.Revision(ctx)
	if err != nil {
		log.Warn("evalcache: revision unavailable, bypassing cache", zap.Error(err))
		c.metrics.CacheResult("bypass")
		return c.next.Evaluate(ctx, req)
	}
	key := Key(rev, req)

	raw, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res engine.Result
		if uerr := json.Unmarshal(raw, &res); uerr == nil {
			c.metrics.CacheResult("hit")
			return &res, nil
		}
		log.Warn("evalcache: dropping undecodable entry", zap.String("key", key))
		c.metrics.CacheResult("error")
	case errors.Is(err, redis.Nil):
		c.metrics.CacheResult("miss")
	default:
		log.Warn("evalcache: get failed", zap.String("key", key), zap.Error(err))
		c.metrics.CacheResult("error")
	}

	res, err := c.next.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return res, nil
	}
	if err := c.kv.Set(ctx, key, body, c.ttl).Err(); err != nil {
		log.Warn("evalcache: set failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

// Key derives the cache key of req at revision rev. Dates are reduced to
// days and composition order does not matter.
func Key(rev int64, req engine.Request) string {
	comp := append([]engine.Content(nil), req.Composition...)
	sort.Slice(comp, func(i, j int) bool { return comp[i].Key < comp[j].Key })

	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(req.HTS)
	write(req.Country)
	write(model.Day(req.EntryDate).Format(model.DateLayout))
	write(model.Day(req.Today).Format(model.DateLayout))
	write(strconv.FormatInt(req.ValueCents, 10))
	for _, ct := range comp {
		write(ct.Key)
		write(strconv.FormatInt(ct.ValueCents, 10))
		write(strconv.FormatFloat(ct.Percent, 'g', -1, 64))
	}
	return keyPrefix + strconv.FormatInt(rev, 10) + ":" + hex.EncodeToString(h.Sum(nil))
}
