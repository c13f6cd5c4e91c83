package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/engine"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// evaluateBody is the wire form of an evaluation request. Dates are
// calendar days; today defaults to the server's UTC date.
type evaluateBody struct {
	HTS         string           `json:"hts" validate:"required"`
	Country     string           `json:"country" validate:"required,len=2"`
	EntryDate   string           `json:"entry_date" validate:"required,datetime=2006-01-02"`
	Today       string           `json:"today,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ValueCents  int64            `json:"value_cents" validate:"gte=0"`
	Composition []engine.Content `json:"composition,omitempty" validate:"dive"`
}

func (b evaluateBody) request(now time.Time) engine.Request {
	entry, _ := model.ParseDate(b.EntryDate)
	today := model.Day(now)
	if b.Today != "" {
		today, _ = model.ParseDate(b.Today)
	}
	return engine.Request{
		HTS:         b.HTS,
		Country:     b.Country,
		EntryDate:   entry,
		Today:       today,
		ValueCents:  b.ValueCents,
		Composition: b.Composition,
	}
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evaluator == nil {
		s.unavailable(w, "evaluator")
		return
	}
	var body evaluateBody
	if err := s.decode(r, &body); err != nil {
		s.deps.Metrics.ObserveEvaluate("invalid", 0)
		writeServiceError(w, r, err)
		return
	}

	start := time.Now()
	res, err := s.deps.Evaluator.Evaluate(r.Context(), body.request(start))
	if err != nil {
		s.deps.Metrics.ObserveEvaluate("error", time.Since(start))
		writeServiceError(w, r, err)
		return
	}
	s.deps.Metrics.ObserveEvaluate("ok", time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Freshness == nil {
		s.unavailable(w, "freshness")
		return
	}
	rep, err := s.deps.Freshness.Freshness(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleWatcherHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchers == nil {
		s.unavailable(w, "watchers")
		return
	}
	health, err := s.deps.Watchers.Health(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

type watcherRunBody struct {
	Watchers []string `json:"watchers"`
}

// handleWatcherRun polls the requested watchers synchronously and returns
// their reports.
func (s *Server) handleWatcherRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchers == nil {
		s.unavailable(w, "watchers")
		return
	}
	var body watcherRunBody
	if r.ContentLength != 0 {
		if err := s.decode(r, &body); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}
	reports, err := s.deps.Watchers.Run(r.Context(), body.Watchers)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	var sub watcher.Submission
	if err := s.decode(r, &sub); err != nil {
		writeServiceError(w, r, err)
		return
	}
	now := time.Now()
	if _, err := sub.Descriptor(now); err != nil {
		writeServiceError(w, r, &requestError{msg: err.Error()})
		return
	}
	job, created, err := watcher.Submit(r.Context(), s.deps.Queue, sub, now)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"job": job, "created": created})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &requestError{msg: "invalid " + name + " " + strconv.Quote(raw)}
	}
	return v, nil
}

func jobID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &requestError{msg: "invalid job id " + strconv.Quote(raw)}
	}
	return id, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	jobs, err := s.deps.Queue.List(r.Context(), queue.Filter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		Source: r.URL.Query().Get("source"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	id, err := jobID(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	job, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	after := s.opts.StuckAfter
	if raw := r.URL.Query().Get("after"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeServiceError(w, r, &requestError{msg: "invalid after " + strconv.Quote(raw)})
			return
		}
		after = d
	}
	jobs, err := s.deps.Queue.Stuck(r.Context(), after)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type jobAction string

const (
	actionReclaim jobAction = "reclaim"
	actionCancel  jobAction = "cancel"
	actionRetry   jobAction = "retry"
)

func (s *Server) handleJobAction(action jobAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Queue == nil {
			s.unavailable(w, "queue")
			return
		}
		id, err := jobID(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		switch action {
		case actionReclaim:
			err = s.deps.Queue.Reclaim(r.Context(), id)
		case actionCancel:
			err = s.deps.Queue.Cancel(r.Context(), id)
		case actionRetry:
			err = s.deps.Queue.Retry(r.Context(), id)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		zap.L().Info("server: job action",
			zap.String("component", "server"),
			zap.String("action", string(action)),
			zap.Int64("job_id", id),
		)
		job, err := s.deps.Queue.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// handleProcess drains the queue in the background. The work outlives the
// request and is bounded by max_jobs.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Process == nil {
		s.unavailable(w, "queue processing")
		return
	}
	maxJobs, err := intParam(r, "max_jobs", 100)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log := zap.L().With(zap.String("component", "server"), zap.Int("max_jobs", maxJobs))
	go func() {
		stats, err := s.deps.Process(s.opts.Background, maxJobs)
		if err != nil {
			log.Error("server: queue processing failed", zap.Error(err))
			return
		}
		log.Info("server: queue processing complete",
			zap.Int64("claimed", stats.Claimed),
			zap.Int64("errors", stats.Errors),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "processing", "max_jobs": maxJobs})
}

func (s *Server) handleReviewList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Review == nil {
		s.unavailable(w, "review")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	cands, err := s.deps.Review.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

type decisionBody struct {
	Reviewer string `json:"reviewer" validate:"required"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleReviewDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Review == nil {
			s.unavailable(w, "review")
			return
		}
		var body decisionBody
		if err := s.decode(r, &body); err != nil {
			writeServiceError(w, r, err)
			return
		}
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		decide := s.deps.Review.Reject
		if approve {
			decide = s.deps.Review.Approve
		}
		res, err := decide(r.Context(), id, body.Reviewer, body.Note)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
