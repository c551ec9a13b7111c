package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
}

func TestRun_Duration(t *testing.T) {
	start := time.Date(2025, 6, 15, 6, 0, 0, 0, time.UTC)
	r := &Run{StartedAt: start}
	assert.Zero(t, r.Duration())

	end := start.Add(90 * time.Second)
	r.FinishedAt = &end
	assert.Equal(t, 90*time.Second, r.Duration())
}
