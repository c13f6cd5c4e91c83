package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/blob"
	"github.com/sells-group/tariff-cli/internal/cost"
	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/evalcache"
	"github.com/sells-group/tariff-cli/internal/extract"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/pipeline"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/registry"
	"github.com/sells-group/tariff-cli/internal/render"
	"github.com/sells-group/tariff-cli/internal/review"
	"github.com/sells-group/tariff-cli/internal/server"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/watcher"
	anthropicpkg "github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/notion"
)

// appEnv holds the initialized services shared by the subcommands.
type appEnv struct {
	Store     store.Store
	Pool      db.Pool // nil for the memory driver
	Queue     queue.Queue
	Blobs     blob.Store
	Fetcher   fetcher.Fetcher
	Evaluator server.Evaluator
	Pipeline  *pipeline.Pipeline
	Watchers  *watcher.Engine
	Review    *review.Service
	Mirror    *review.NotionMirror // nil when Notion is not configured
	Collector *monitoring.Collector
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		e.Store.Close()
	}
}

// initStore opens the configured store. The memory driver is seeded from
// the registry YAML and optional fact fixtures.
func initStore(ctx context.Context) (store.Store, db.Pool, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:  cfg.Store.MaxConns,
			TxRetries: cfg.Store.TxRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Pool(), nil
	case "memory":
		st := store.NewMemory()
		if cfg.Store.SeedPath != "" {
			reg, err := registry.LoadSeed(cfg.Store.SeedPath)
			if err != nil {
				return nil, nil, err
			}
			if err := st.ApplyRegistry(ctx, reg, "seed"); err != nil {
				return nil, nil, eris.Wrap(err, "seed memory store")
			}
		}
		if cfg.Store.FixturesPath != "" {
			if _, err := registry.LoadFixtures(ctx, st, cfg.Store.FixturesPath, "fixtures"); err != nil {
				return nil, nil, err
			}
		}
		zap.L().Info("using in-memory store", zap.String("seed", cfg.Store.SeedPath))
		return st, nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// requirePool returns the database pool of a postgres store.
func requirePool(ctx context.Context) (*appEnv, error) {
	st, pool, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		st.Close()
		return nil, eris.New("this command requires store.driver=postgres")
	}
	return &appEnv{Store: st, Pool: pool}, nil
}

func newFetcher() fetcher.Fetcher {
	return &fetcher.Router{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:    cfg.Fetcher.UserAgent,
			Timeout:      time.Duration(cfg.Fetcher.TimeoutSecs) * time.Second,
			MaxRetries:   cfg.Fetcher.MaxRetries,
			RatePerSec:   cfg.Fetcher.RatePerSec,
			MaxBodyBytes: cfg.Fetcher.MaxBodyBytes,
		}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  time.Duration(cfg.Fetcher.TimeoutSecs) * time.Second,
			MaxBytes: cfg.Fetcher.MaxBodyBytes,
		}),
		File: &fetcher.FileFetcher{MaxBytes: cfg.Fetcher.MaxBodyBytes},
	}
}

// newEvaluator builds the engine evaluator, wrapped in the Redis cache when
// one is configured. An unreachable Redis disables the cache.
func newEvaluator(ctx context.Context, st store.Store, m *metrics.Metrics) (server.Evaluator, *redis.Client, error) {
	ev, err := engine.NewEvaluator(st, nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "init evaluator")
	}
	client, err := evalcache.NewClient(ctx, cfg.Redis)
	if err != nil {
		zap.L().Warn("evaluation cache disabled", zap.Error(err))
		return ev, nil, nil
	}
	if client == nil {
		return ev, nil, nil
	}
	ttl := time.Duration(cfg.Redis.TTLSecs) * time.Second
	return evalcache.New(client, ev, st, ttl, m), client, nil
}

// initEnv builds every service. mode is passed to cfg.Validate.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, pool, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Pool: pool}

	env.Registry = prometheus.NewRegistry()
	env.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	env.Metrics = metrics.New(env.Registry)

	qcfg := cfg.Queue
	if pool == nil {
		qcfg.Driver = "memory"
	}
	env.Queue, err = queue.New(qcfg, pool)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Blobs, err = blob.Open(ctx, cfg.Blob)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "open blob store")
	}
	env.Fetcher = newFetcher()

	env.Evaluator, env.redis, err = newEvaluator(ctx, st, env.Metrics)
	if err != nil {
		env.Close()
		return nil, err
	}

	var mirror review.Mirror
	var notifier pipeline.ReviewNotifier
	if cfg.Notion.Token != "" && cfg.Notion.ReviewDB != "" {
		env.Mirror = review.NewNotionMirror(notion.NewClient(cfg.Notion.Token), cfg.Notion.ReviewDB)
		mirror, notifier = env.Mirror, env.Mirror
	} else {
		zap.L().Debug("notion not configured, review mirror disabled")
	}

	tracker := cost.NewTracker(cost.FromConfig(cfg.Pricing), 0)
	var narrative extract.Extractor
	if cfg.Anthropic.Key != "" && !cfg.Anthropic.Disabled {
		narrative = extract.NewNarrativeExtractor(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			extract.NarrativeOptions{Model: cfg.Anthropic.Model, MaxTokens: cfg.Anthropic.MaxTokens},
			tracker,
		)
	} else {
		zap.L().Debug("narrative extractor disabled")
	}

	env.Pipeline, err = pipeline.New(pipeline.Deps{
		Store:     st,
		Queue:     env.Queue,
		Blobs:     env.Blobs,
		Fetcher:   env.Fetcher,
		Renderers: render.NewSet(cfg.Render.PdfToTextPath),
		Narrative: narrative,
		Tracker:   tracker,
		Metrics:   env.Metrics,
		Notifier:  notifier,
	}, pipeline.OptionsFromConfig(cfg.Pipeline))
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init pipeline")
	}

	reg, err := watcher.NewRegistry(cfg.Watchers, env.Fetcher)
	if err != nil {
		env.Close()
		return nil, err
	}
	var runs watcher.RunLog = watcher.NewMemoryRunLog()
	if pool != nil {
		runs = watcher.NewPostgresRunLog(pool)
	}
	env.Watchers = watcher.NewEngine(reg, runs, env.Queue, env.Metrics, watcher.EngineOptionsFromConfig(cfg.Watchers))

	env.Review = review.NewService(st, env.Queue, mirror, env.Metrics)
	env.Collector = monitoring.NewCollector(st, env.Queue, env.Watchers, stuckAfter(), env.Metrics)
	return env, nil
}

func stuckAfter() time.Duration {
	return time.Duration(cfg.Queue.StuckAfterMins) * time.Minute
}

// processQueue drains up to maxJobs due jobs with the configured workers.
func (e *appEnv) processQueue(ctx context.Context, maxJobs int) (queue.Stats, error) {
	return queue.NewPool(e.Queue, e.Pipeline, queue.PoolOptions{
		Workers: cfg.Queue.Workers,
		Poll:    time.Duration(cfg.Queue.PollSecs) * time.Second,
		Drain:   true,
		MaxJobs: maxJobs,
	}).Run(ctx)
}
