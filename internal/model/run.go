package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further stage will change the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// StageStatus represents the current state of one stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped" // never reached after an upstream failure
)

// Run represents one execution of the pipeline definition.
type Run struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Trigger     string         `json:"trigger"`
	Status      RunStatus      `json:"status"`
	Stages      []StageOutcome `json:"stages"`
	FailedStage string         `json:"failed_stage,omitempty"`
	ExitCode    int            `json:"exit_code,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Duration returns the wall time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageOutcome holds the result of one stage within a run.
type StageOutcome struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Attempts   int         `json:"attempts"`
	ExitCode   int         `json:"exit_code"`
	Stdout     string      `json:"stdout,omitempty"`
	Stderr     string      `json:"stderr,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
}
