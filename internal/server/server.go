// Package server is the HTTP surface: evaluation, freshness and the
// administrative operations on watchers, the queue and review.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/review"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

// Evaluator evaluates one import.
type Evaluator interface {
	Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Freshness reports data freshness.
type Freshness interface {
	Freshness(ctx context.Context) (*monitoring.FreshnessReport, error)
}

// Watchers runs and reports on source watchers.
type Watchers interface {
	Run(ctx context.Context, names []string) ([]watcher.Report, error)
	Health(ctx context.Context) ([]watcher.Health, error)
}

// Reviewer resolves candidates waiting for a human.
type Reviewer interface {
	List(ctx context.Context, limit, offset int) ([]model.Candidate, error)
	Approve(ctx context.Context, id, reviewer, note string) (*review.Result, error)
	Reject(ctx context.Context, id, reviewer, note string) (*review.Result, error)
}

// ProcessFunc drains up to maxJobs queued jobs.
type ProcessFunc func(ctx context.Context, maxJobs int) (queue.Stats, error)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the routes. Nil services disable their
// routes with 503.
type Deps struct {
	Evaluator Evaluator
	Freshness Freshness
	Watchers  Watchers
	Queue     queue.Queue
	Review    Reviewer
	Process   ProcessFunc
	Health    Pinger
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// Options configure the router.
type Options struct {
	AllowedOrigins []string
	// AdminToken guards the administrative routes. Empty disables them.
	AdminToken string
	StuckAfter time.Duration
	// Background runs asynchronous work; it is detached from the request.
	Background context.Context
}

// Server holds the routes' dependencies.
type Server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
}

// New creates a server.
func New(deps Deps, opts Options) *Server {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 30 * time.Minute
	}
	if opts.Background == nil {
		opts.Background = context.Background()
	}
	return &Server{deps: deps, opts: opts, validate: validator.New()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/freshness", s.handleFreshness)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/watchers", s.handleWatcherHealth)
			r.Post("/watchers/run", s.handleWatcherRun)

			r.Post("/ingest", s.handleIngest)
			r.Get("/queue/jobs", s.handleListJobs)
			r.Get("/queue/jobs/{id}", s.handleGetJob)
			r.Get("/queue/stuck", s.handleStuck)
			r.Post("/queue/jobs/{id}/reclaim", s.handleJobAction(actionReclaim))
			r.Post("/queue/jobs/{id}/cancel", s.handleJobAction(actionCancel))
			r.Post("/queue/jobs/{id}/retry", s.handleJobAction(actionRetry))
			r.Post("/queue/process", s.handleProcess)

			r.Get("/review", s.handleReviewList)
			r.Post("/review/{id}/approve", s.handleReviewDecision(true))
			r.Post("/review/{id}/reject", s.handleReviewDecision(false))
		})
	})
	return r
}

// requireAdmin checks the bearer token of administrative requests.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin api disabled", nil)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "server"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
