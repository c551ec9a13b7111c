package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/model"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.5,
		MinFinishedRuns:      3,
		StuckRunHours:        6,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	last := runAt("r3", model.RunStatusSucceeded, 1)
	snap := &MetricsSnapshot{
		RunsTotal:     3,
		RunsSucceeded: 2,
		RunsFailed:    1,
		FailRate:      1.0 / 3,
		LastFinished:  &last,
		LookbackHours: 72,
		CollectedAt:   collectNow,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_RunFailed(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	last := runAt("r3", model.RunStatusFailed, 1)
	last.FailedStage = "run_dbt_staging"
	last.ExitCode = 1
	snap := &MetricsSnapshot{
		Pipeline:      "idealista_analytics_pipeline",
		RunsFailed:    1,
		FailRate:      1,
		LastFinished:  &last,
		LookbackHours: 72,
		CollectedAt:   collectNow,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1, "a single finished run is below the failure-rate minimum")
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Equal(t, "failed:r3", alerts[0].Key)
	assert.Contains(t, alerts[0].Message, "run_dbt_staging")
	assert.Equal(t, "idealista_analytics_pipeline", alerts[0].Pipeline)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	last := runAt("r4", model.RunStatusSucceeded, 1)
	failed := runAt("r3", model.RunStatusFailed, 2)
	snap := &MetricsSnapshot{
		RunsSucceeded: 1,
		RunsFailed:    3,
		FailRate:      0.75,
		LastFinished:  &last,
		LastFailed:    &failed,
		LookbackHours: 72,
		CollectedAt:   collectNow,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "rate:r3", alerts[0].Key)
	assert.Contains(t, alerts[0].Message, "75.0%")
}

func TestAlerter_Evaluate_StuckRun(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	active := runAt("r9", model.RunStatusRunning, 8)
	snap := &MetricsSnapshot{
		RunsActive:   1,
		OldestActive: &active,
		CollectedAt:  collectNow,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStuckRun, alerts[0].Type)
	assert.Equal(t, "stuck:r9", alerts[0].Key)

	// Younger than the threshold.
	active.StartedAt = collectNow.Add(-2 * time.Hour)
	assert.Empty(t, a.Evaluate(snap))

	// Disabled.
	cfg := testMonitoringConfig()
	cfg.StuckRunHours = 0
	active.StartedAt = collectNow.Add(-48 * time.Hour)
	assert.Empty(t, NewAlerter(cfg).Evaluate(snap))
}

func TestAlerter_Send_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertRunFailed, Severity: "high", Message: "test alert 1"},
		{Type: AlertFailureRate, Severity: "medium", Message: "test alert 2"},
	}

	for _, alert := range alerts {
		assert.True(t, a.Send(context.Background(), alert), alert.Message)
	}
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_Send_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	assert.False(t, a.Send(context.Background(), Alert{Type: AlertRunFailed, Message: "test"}))
}

func TestAlerter_Send_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	assert.False(t, a.Send(context.Background(), Alert{Type: AlertRunFailed, Message: "test"}))
}
