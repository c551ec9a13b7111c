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

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := newTestCollector(&mockRuns{})
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := newTestCollector(&mockRuns{})
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_FailedRunAlertedOnce(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	failed := runAt("r1", model.RunStatusFailed, 1)
	failed.FailedStage = "extract_idealista_data"
	runs := &mockRuns{runs: []model.Run{failed}}

	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		FailureRateThreshold: 0.5,
		MinFinishedRuns:      3,
		LookbackWindowHours:  72,
	}
	checker := NewChecker(newTestCollector(runs), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, 0, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())

	// A newer failure is a new condition.
	next := runAt("r2", model.RunStatusFailed, 0)
	runs.runs = []model.Run{next, failed}
	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_UndeliveredAlertRetried(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()

	runs := &mockRuns{runs: []model.Run{runAt("r1", model.RunStatusFailed, 1)}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, MinFinishedRuns: 3, LookbackWindowHours: 72}
	checker := NewChecker(newTestCollector(runs), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.Check(context.Background()))

	status.Store(http.StatusOK)
	assert.Equal(t, 1, checker.Check(context.Background()))
}

func TestChecker_FailureRateAlertedOncePerFailure(t *testing.T) {
	var rateAlerts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert)) && alert.Type == AlertFailureRate {
			rateAlerts.Add(1)
		}
	}))
	defer ts.Close()

	runs := &mockRuns{runs: []model.Run{
		runAt("r4", model.RunStatusSucceeded, 1),
		runAt("r3", model.RunStatusFailed, 2),
		runAt("r2", model.RunStatusFailed, 3),
		runAt("r1", model.RunStatusFailed, 4),
	}}
	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		FailureRateThreshold: 0.5,
		MinFinishedRuns:      3,
		LookbackWindowHours:  72,
	}
	checker := NewChecker(newTestCollector(runs), NewAlerter(cfg), cfg)

	checker.Check(context.Background())
	checker.Check(context.Background())
	checker.Check(context.Background())
	assert.Equal(t, int32(1), rateAlerts.Load(), "unchanged window is alerted once")

	runs.runs = append([]model.Run{runAt("r5", model.RunStatusFailed, 0)}, runs.runs...)
	checker.Check(context.Background())
	assert.Equal(t, int32(2), rateAlerts.Load(), "a newer failure re-alerts")
}
