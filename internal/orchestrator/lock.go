package orchestrator

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrRunActive is returned when a run of the same pipeline already holds the lock.
var ErrRunActive = eris.New("orchestrator: a run of this pipeline is already active")

// Locker guarantees at most one active run per pipeline.
type Locker interface {
	// Acquire takes the lock for runID or returns ErrRunActive.
	Acquire(ctx context.Context, pipeline, runID string) error
	// Release frees the lock if runID holds it.
	Release(ctx context.Context, pipeline, runID string) error
}
