package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed   AlertType = "run_failed"
	AlertFailureRate AlertType = "failure_rate"
	AlertStuckRun    AlertType = "stuck_run"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type     AlertType      `json:"type"`
	Severity string         `json:"severity"`
	Pipeline string         `json:"pipeline"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	// Key identifies the condition; alerts with a non-empty key are sent once.
	Key       string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	// Most recent run failed.
	if r := snap.LastFinished; r != nil && r.Status == model.RunStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Pipeline: snap.Pipeline,
			Message: fmt.Sprintf("Run %s failed at %s with exit code %d",
				r.ID, r.FailedStage, r.ExitCode),
			Details: map[string]any{
				"run_id":       r.ID,
				"failed_stage": r.FailedStage,
				"exit_code":    r.ExitCode,
				"trigger":      r.Trigger,
			},
			Key:       "failed:" + r.ID,
			Timestamp: now,
		})
	}

	// Failure rate across the window. Re-alerted only once a newer run fails.
	finished := snap.RunsSucceeded + snap.RunsFailed
	if finished >= a.cfg.MinFinishedRuns && finished > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		var key string
		if snap.LastFailed != nil {
			key = "rate:" + snap.LastFailed.ID
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "medium",
			Pipeline: snap.Pipeline,
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Key:       key,
			Timestamp: now,
		})
	}

	// A run that never reached a terminal state holds the run lock.
	if r := snap.OldestActive; r != nil && a.cfg.StuckRunHours > 0 {
		age := now.Sub(r.StartedAt)
		if age > time.Duration(a.cfg.StuckRunHours)*time.Hour {
			alerts = append(alerts, Alert{
				Type:     AlertStuckRun,
				Severity: "high",
				Pipeline: snap.Pipeline,
				Message:  fmt.Sprintf("Run %s has been %s for %s", r.ID, r.Status, age.Round(time.Minute)),
				Details: map[string]any{
					"run_id":     r.ID,
					"started_at": r.StartedAt,
				},
				Key:       "stuck:" + r.ID,
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Send delivers one alert and reports whether the webhook accepted it.
func (a *Alerter) Send(ctx context.Context, alert Alert) bool {
	if a.cfg.WebhookURL == "" {
		return false
	}
	if err := a.sendWebhook(ctx, alert); err != nil {
		zap.L().Error("monitoring: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return false
	}
	zap.L().Info("monitoring: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
	return true
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
