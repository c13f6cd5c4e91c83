package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Checker evaluates freshness on an interval and forwards new alerts. An
// alert whose key was sent within the repeat window is held back.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	repeat    time.Duration
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalMins) * time.Minute,
		repeat:    time.Duration(cfg.RepeatAlertHours) * time.Hour,
		now:       time.Now,
		sent:      map[string]time.Time{},
	}
	if c.interval <= 0 {
		c.interval = 15 * time.Minute
	}
	return c
}

// Run checks once immediately and then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("freshness checker started", zap.Duration("interval", c.interval), zap.Duration("repeat", c.repeat))

	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			log.Info("freshness checker stopped")
			return
		case <-t.C:
		}
	}
}

// Check collects one report and sends the alerts that are not suppressed.
// It returns every alert raised, sent or not.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	rep, err := c.collector.Freshness(ctx)
	if err != nil {
		log.Error("freshness collection failed", zap.Error(err))
		return nil
	}
	alerts := c.alerter.Evaluate(rep)
	fresh := c.unsent(alerts)
	if len(fresh) == 0 {
		log.Debug("no new alerts", zap.Int("raised", len(alerts)))
		return alerts
	}
	sent := c.alerter.deliver(ctx, fresh)
	c.markSent(sent)
	log.Info("alert check complete",
		zap.Int("raised", len(alerts)),
		zap.Int("new", len(fresh)),
		zap.Int("sent", len(sent)),
	)
	return alerts
}

func (c *Checker) unsent(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []Alert
	for _, a := range alerts {
		if at, ok := c.sent[a.Key]; ok && c.repeat > 0 && now.Sub(at) < c.repeat {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, a := range alerts {
		c.sent[a.Key] = now
	}
}
