package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/orchestrator"
)

var scheduleSpec string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on its cron schedule",
	Long:  "Blocks and triggers a pipeline run at every tick of pipeline.schedule (seconds field first, default daily at 06:00). Missed ticks are not backfilled and a tick that finds a run still active is skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		spec := scheduleSpec
		if spec == "" {
			spec = cfg.Pipeline.Schedule
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		def, err := resolveDefinition(cfg)
		if err != nil {
			return err
		}
		o := newOrchestrator(def, st, nil)

		s, err := newScheduler(ctx, spec, o)
		if err != nil {
			return err
		}
		startMonitoring(ctx, cfg, st)
		s.Start()
		zap.L().Info("scheduler started",
			zap.String("pipeline", def.Name),
			zap.String("schedule", spec),
			zap.Time("next", s.cron.Entries()[0].Next),
		)

		<-ctx.Done()
		zap.L().Info("scheduler stopping")
		// Must return before the deferred store close.
		s.Stop()
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleSpec, "cron", "", "cron spec with seconds field (default from pipeline.schedule)")
	rootCmd.AddCommand(scheduleCmd)
}

// scheduler triggers pipeline runs from cron and tracks the ones in flight.
type scheduler struct {
	ctx  context.Context
	cron *cron.Cron
	orch *orchestrator.Orchestrator

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// newScheduler registers one pipeline trigger on spec.
func newScheduler(ctx context.Context, spec string, o *orchestrator.Orchestrator) (*scheduler, error) {
	if _, err := cron.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "schedule: invalid cron spec %q", spec)
	}

	s := &scheduler{ctx: ctx, cron: cron.New(), orch: o}
	s.cron.ErrorLog = zap.NewStdLog(zap.L().With(zap.String("component", "scheduler")))
	if err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, eris.Wrapf(err, "schedule: register %q", spec)
	}
	return s, nil
}

// Start begins firing ticks.
func (s *scheduler) Start() { s.cron.Start() }

// Stop ends ticking and blocks until a run already in flight has released
// its lock and recorded its outcome.
func (s *scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.wg.Wait()
}

func (s *scheduler) tick() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	scheduledRun(s.ctx, s.orch)
}

// scheduledRun is one cron tick. A tick that finds a run still active is
// logged and dropped.
func scheduledRun(ctx context.Context, o *orchestrator.Orchestrator) {
	log := zap.L().With(zap.String("component", "scheduler"))
	if ctx.Err() != nil {
		return
	}

	run, err := o.Run(ctx, "schedule")
	switch {
	case errors.Is(err, orchestrator.ErrRunActive):
		log.Warn("skipping tick, previous run still active")
	case err != nil && run == nil:
		log.Error("scheduled run did not start", zap.Error(err))
	case err != nil:
		log.Error("scheduled run failed", zap.String("run_id", run.ID), zap.String("failed_stage", run.FailedStage), zap.Error(err))
	default:
		log.Info("scheduled run succeeded", zap.String("run_id", run.ID), zap.Duration("elapsed", run.Duration()))
	}
}
