package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	sent      map[string]bool // keys of one-shot alerts already delivered
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		sent:      make(map[string]bool),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect, evaluate and send cycle and returns the number of
// alerts delivered.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	var pending []Alert
	for _, a := range c.alerter.Evaluate(snap) {
		if a.Key != "" && c.sent[a.Key] {
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}

	sent := 0
	for _, a := range pending {
		if !c.alerter.Send(ctx, a) {
			continue
		}
		sent++
		if a.Key != "" {
			c.sent[a.Key] = true
		}
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(pending)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
