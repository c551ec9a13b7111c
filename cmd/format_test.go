//go:build !integration

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/orchestrator"
)

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2024, 3, 9, 6, 0, 0, 0, time.UTC)
	finished := started.Add(95 * time.Second)
	runs := []model.Run{
		{
			ID:          "0f8fad5b-d9cb-469f-a165-70867728950e",
			Trigger:     "schedule",
			Status:      model.RunStatusFailed,
			FailedStage: orchestrator.StageStaging,
			ExitCode:    1,
			StartedAt:   started,
			FinishedAt:  &finished,
		},
		{
			ID:        "7c9e6679",
			Trigger:   "manual",
			Status:    model.RunStatusRunning,
			StartedAt: started,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "FAILED STAGE")
	assert.Contains(t, lines[1], "0f8fad5b ")
	assert.NotContains(t, lines[1], "d9cb")
	assert.Contains(t, lines[1], orchestrator.StageStaging)
	assert.Contains(t, lines[1], "1m35s")
	assert.Contains(t, lines[1], "2024-03-09 06:00")
	assert.Contains(t, lines[2], "running")
	assert.Contains(t, lines[2], "-")
}

func TestFormatRunSummary(t *testing.T) {
	started := time.Date(2024, 3, 9, 6, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Second)
	run := &model.Run{
		ID:          "run-1",
		Status:      model.RunStatusFailed,
		FailedStage: orchestrator.StageTests,
		ExitCode:    1,
		StartedAt:   started,
		FinishedAt:  &finished,
		Stages: []model.StageOutcome{
			{Name: orchestrator.StageExtract, Status: model.StageStatusSucceeded, Attempts: 1},
			{Name: orchestrator.StageTests, Status: model.StageStatusFailed, Attempts: 2, ExitCode: 1},
		},
	}

	var buf bytes.Buffer
	formatRunSummary(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "Run run-1: failed (2s)")
	assert.Contains(t, out, "attempts=2 exit=1")
	assert.Contains(t, out, "Failed at run_dbt_tests with exit code 1")
}

func TestFormatStages(t *testing.T) {
	cfg := &config.Config{
		ProjectRoot: "/srv/idealista",
		VenvDir:     ".venv/bin",
		DBTDir:      "dbt",
		Pipeline:    config.PipelineConfig{Name: "idealista_analytics_pipeline", Retries: 1, RetryDelay: 5 * time.Minute},
	}
	def := orchestrator.DefaultDefinition(cfg, "/usr/local/bin/idealista-pipeline")

	var buf bytes.Buffer
	formatStages(&buf, def)
	out := buf.String()

	assert.Contains(t, out, "Pipeline idealista_analytics_pipeline (retry delay 5m0s)")
	assert.Contains(t, out, "/usr/local/bin/idealista-pipeline extract")
	assert.Contains(t, out, "/srv/idealista/.venv/bin/dbt run -s stg_idealista__properties")
	assert.Contains(t, out, "/srv/idealista/.venv/bin/dbt test")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8, "title, header and six stages")
}
