package orchestrator

import (
	"context"

	"github.com/idealista-analytics/pipeline/internal/model"
)

// Recorder observes run and stage transitions, typically to persist run
// history. Recorder errors are logged and never fail a run.
type Recorder interface {
	RunStarted(ctx context.Context, run *model.Run) error
	StageStarted(ctx context.Context, runID string, outcome model.StageOutcome) error
	StageFinished(ctx context.Context, runID string, outcome model.StageOutcome) error
	RunFinished(ctx context.Context, run *model.Run) error
}

type nopRecorder struct{}

func (nopRecorder) RunStarted(context.Context, *model.Run) error { return nil }

func (nopRecorder) StageStarted(context.Context, string, model.StageOutcome) error { return nil }

func (nopRecorder) StageFinished(context.Context, string, model.StageOutcome) error { return nil }

func (nopRecorder) RunFinished(context.Context, *model.Run) error { return nil }
