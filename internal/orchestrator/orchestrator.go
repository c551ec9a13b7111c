package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/resilience"
)

// Orchestrator executes a Definition.
type Orchestrator struct {
	def      Definition
	runner   Runner
	locker   Locker
	recorder Recorder
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the run history recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. The definition must already be valid.
func New(def Definition, runner Runner, locker Locker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		def:      def,
		runner:   runner,
		locker:   locker,
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Definition returns the stage chain this orchestrator runs.
func (o *Orchestrator) Definition() Definition { return o.def }

// Run starts and executes a run to completion. On a halted run it returns
// the run together with the *StageError of the failing stage.
func (o *Orchestrator) Run(ctx context.Context, trigger string) (*model.Run, error) {
	run, err := o.Begin(ctx, trigger)
	if err != nil {
		return nil, err
	}
	return run, o.Execute(ctx, run)
}

// Begin takes the pipeline lock and returns a new pending run. It returns
// ErrRunActive without starting anything when another run holds the lock.
// A successful Begin must be followed by Execute, which releases the lock.
func (o *Orchestrator) Begin(ctx context.Context, trigger string) (*model.Run, error) {
	run := &model.Run{
		ID:       uuid.New().String(),
		Pipeline: o.def.Name,
		Trigger:  trigger,
		Status:   model.RunStatusPending,
		Stages:   make([]model.StageOutcome, len(o.def.Stages)),
	}
	for i, s := range o.def.Stages {
		run.Stages[i] = model.StageOutcome{Name: s.Name, Status: model.StageStatusPending}
	}

	if err := o.locker.Acquire(ctx, o.def.Name, run.ID); err != nil {
		if errors.Is(err, ErrRunActive) {
			zap.L().Warn("run rejected, another run is active",
				zap.String("component", "orchestrator"),
				zap.String("pipeline", o.def.Name),
				zap.String("trigger", trigger),
			)
			return nil, err
		}
		return nil, eris.Wrap(err, "orchestrator: acquire run lock")
	}
	return run, nil
}

// Execute runs the stages of a run obtained from Begin in order. Each stage
// starts only after its predecessor succeeded. The first stage to exhaust
// its retries fails the run and every later stage is marked skipped.
func (o *Orchestrator) Execute(ctx context.Context, run *model.Run) error {
	log := zap.L().With(
		zap.String("component", "orchestrator"),
		zap.String("pipeline", run.Pipeline),
		zap.String("run_id", run.ID),
	)

	// The lock and history must be settled even when ctx is cancelled.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := o.locker.Release(bg, run.Pipeline, run.ID); err != nil {
			log.Error("failed to release run lock", zap.Error(err))
		}
	}()

	run.Status = model.RunStatusRunning
	run.StartedAt = o.now().UTC()
	if err := o.recorder.RunStarted(bg, run); err != nil {
		log.Warn("failed to record run start", zap.Error(err))
	}
	log.Info("run started", zap.String("trigger", run.Trigger), zap.Int("stages", len(o.def.Stages)))

	var runErr error
	for i, stage := range o.def.Stages {
		outcome := &run.Stages[i]
		runErr = o.runStage(ctx, run.ID, stage, outcome)
		if err := o.recorder.StageFinished(bg, run.ID, *outcome); err != nil {
			log.Warn("failed to record stage", zap.String("stage", stage.Name), zap.Error(err))
		}
		if runErr == nil {
			continue
		}

		run.Status = model.RunStatusFailed
		run.FailedStage = stage.Name
		run.ExitCode = outcome.ExitCode
		run.Error = runErr.Error()
		for j := i + 1; j < len(run.Stages); j++ {
			run.Stages[j].Status = model.StageStatusSkipped
			if err := o.recorder.StageFinished(bg, run.ID, run.Stages[j]); err != nil {
				log.Warn("failed to record stage", zap.String("stage", run.Stages[j].Name), zap.Error(err))
			}
		}
		break
	}

	if runErr == nil {
		run.Status = model.RunStatusSucceeded
	}
	finished := o.now().UTC()
	run.FinishedAt = &finished
	if err := o.recorder.RunFinished(bg, run); err != nil {
		log.Warn("failed to record run finish", zap.Error(err))
	}

	if runErr != nil {
		log.Error("run failed",
			zap.String("failed_stage", run.FailedStage),
			zap.Int("exit_code", run.ExitCode),
			zap.Duration("elapsed", run.Duration()),
		)
		return runErr
	}
	log.Info("run succeeded", zap.Duration("elapsed", run.Duration()))
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, runID string, stage Stage, outcome *model.StageOutcome) error {
	log := zap.L().With(
		zap.String("component", "orchestrator"),
		zap.String("stage", stage.Name),
	)
	spec := stage.Spec()

	started := o.now().UTC()
	outcome.StartedAt = &started
	outcome.Status = model.StageStatusRunning
	if err := o.recorder.StageStarted(context.WithoutCancel(ctx), runID, *outcome); err != nil {
		log.Warn("failed to record stage start", zap.Error(err))
	}
	log.Info("stage started", zap.String("command", stage.CommandLine()), zap.String("dir", stage.Dir))

	policy := resilience.Fixed(stage.Retries, o.def.RetryDelay)
	policy.OnRetry = resilience.RetryLogger("orchestrator", stage.Name, o.def.RetryDelay)

	res, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (ProcessResult, error) {
		outcome.Attempts++
		res, err := o.runner.Run(ctx, spec)
		log.Info("stage process finished",
			zap.Int("attempt", outcome.Attempts),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
			zap.String("stdout", res.Stdout),
			zap.String("stderr", res.Stderr),
		)
		if err != nil {
			if res.ExitCode == 0 {
				res.ExitCode = -1
			}
			return res, &StageError{Stage: stage.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
		}
		if res.ExitCode != 0 {
			return res, &StageError{Stage: stage.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, nil
	})

	outcome.ExitCode = res.ExitCode
	outcome.Stdout = res.Stdout
	outcome.Stderr = res.Stderr
	outcome.DurationMS = o.now().UTC().Sub(started).Milliseconds()

	if err != nil {
		outcome.Status = model.StageStatusFailed
		outcome.Error = err.Error()
		log.Error("stage failed", zap.Int("attempts", outcome.Attempts), zap.Error(err))
		return err
	}
	outcome.Status = model.StageStatusSucceeded
	log.Info("stage succeeded", zap.Int("attempts", outcome.Attempts))
	return nil
}

// tailLines returns the last n non-empty lines of s joined by " | ".
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, " | ")
}
