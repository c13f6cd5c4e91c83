package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertStaleWatcher  AlertType = "stale_watcher"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertStuckJobs     AlertType = "stuck_jobs"
)

// Severity ranks alerts for the receiving channel.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Alert is one breached threshold. Key names the condition and its subject
// so repeats of the same alert can be suppressed.
type Alert struct {
	Key       string         `json:"key"`
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a report and returns the alerts it raises.
type rule func(cfg config.MonitoringConfig, rep *FreshnessReport, now time.Time) []Alert

var rules = []rule{staleWatchers, reviewBacklog, stuckJobs}

// Alerter turns freshness reports into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.Policy
}

func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.Policy{Attempts: 3, Base: time.Second, Max: 10 * time.Second},
	}
}

// Evaluate applies every rule to rep.
func (a *Alerter) Evaluate(rep *FreshnessReport) []Alert {
	now := rep.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var alerts []Alert
	for _, r := range rules {
		alerts = append(alerts, r(a.cfg, rep, now)...)
	}
	return alerts
}

// staleWatchers flags watchers without a successful run inside the window,
// including those that never succeeded.
func staleWatchers(cfg config.MonitoringConfig, rep *FreshnessReport, now time.Time) []Alert {
	if cfg.StaleWatcherHours <= 0 {
		return nil
	}
	limit := time.Duration(cfg.StaleWatcherHours) * time.Hour
	var out []Alert
	for _, h := range rep.Watchers {
		if !stale(h, now, limit) {
			continue
		}
		last := "never"
		if h.LastSuccessAt != nil {
			last = h.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		out = append(out, Alert{
			Key:      string(AlertStaleWatcher) + ":" + h.Watcher,
			Type:     AlertStaleWatcher,
			Severity: SeverityHigh,
			Message: fmt.Sprintf("Watcher %s has not completed a run in %dh (last success: %s)",
				h.Watcher, cfg.StaleWatcherHours, last),
			Details: map[string]any{
				"watcher":     h.Watcher,
				"last_status": h.LastStatus,
				"last_error":  h.LastError,
				"breaker":     h.Breaker,
			},
			Timestamp: now,
		})
	}
	return out
}

func stale(h watcher.Health, now time.Time, limit time.Duration) bool {
	return h.LastSuccessAt == nil || now.Sub(*h.LastSuccessAt) > limit
}

func reviewBacklog(cfg config.MonitoringConfig, rep *FreshnessReport, now time.Time) []Alert {
	if cfg.ReviewBacklogLimit <= 0 || rep.ReviewBacklog <= cfg.ReviewBacklogLimit {
		return nil
	}
	return []Alert{{
		Key:      string(AlertReviewBacklog),
		Type:     AlertReviewBacklog,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d candidates waiting for review (limit %d)", rep.ReviewBacklog, cfg.ReviewBacklogLimit),
		Details: map[string]any{
			"backlog": rep.ReviewBacklog,
			"limit":   cfg.ReviewBacklogLimit,
		},
		Timestamp: now,
	}}
}

func stuckJobs(_ config.MonitoringConfig, rep *FreshnessReport, now time.Time) []Alert {
	if len(rep.StuckJobs) == 0 {
		return nil
	}
	key := string(AlertStuckJobs)
	for _, id := range rep.StuckJobs {
		key += ":" + strconv.FormatInt(id, 10)
	}
	return []Alert{{
		Key:       key,
		Type:      AlertStuckJobs,
		Severity:  SeverityHigh,
		Message:   fmt.Sprintf("%d ingest job(s) stuck in an active state", len(rep.StuckJobs)),
		Details:   map[string]any{"job_ids": rep.StuckJobs},
		Timestamp: now,
	}}
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	return len(a.deliver(ctx, alerts))
}

// deliver returns the alerts the webhook accepted.
func (a *Alerter) deliver(ctx context.Context, alerts []Alert) []Alert {
	if a.cfg.WebhookURL == "" {
		return nil
	}
	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	var ok []Alert
	for _, alert := range alerts {
		if err := resilience.Retry(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		}); err != nil {
			log.Error("alert delivery failed", zap.String("key", alert.Key), zap.Error(err))
			continue
		}
		log.Info("alert sent", zap.String("key", alert.Key), zap.String("severity", string(alert.Severity)))
		ok = append(ok, alert)
	}
	return ok
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	if te := resilience.FromResponse(resp, err); te != nil {
		return te
	}
	return err
}
