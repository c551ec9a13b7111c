// Package store persists pipeline run history and the cross-process run lock.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/orchestrator"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Pipeline string          `json:"pipeline,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store is the run history. It records transitions as an
// orchestrator.Recorder and serializes runs as an orchestrator.Locker.
type Store interface {
	orchestrator.Recorder
	orchestrator.Locker

	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	LockHolder(ctx context.Context, pipeline string) (string, bool, error)

	Migrate(ctx context.Context) error
	Close() error
}
