package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/config"
	"github.com/idealista-analytics/pipeline/internal/monitoring"
	"github.com/idealista-analytics/pipeline/internal/orchestrator"
	"github.com/idealista-analytics/pipeline/internal/store"
)

// initStore opens and migrates the run history database.
func initStore(ctx context.Context, cfg *config.Config) (*store.SQLiteStore, error) {
	path := cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.ProjectRoot, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "store: create directory for %s", path)
	}

	st, err := store.NewSQLite(path, store.WithLockTTL(cfg.Pipeline.LockTTL))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// resolveDefinition builds the stage chain, running this binary for the
// extraction stage.
func resolveDefinition(cfg *config.Config) (orchestrator.Definition, error) {
	self, err := os.Executable()
	if err != nil {
		return orchestrator.Definition{}, eris.Wrap(err, "resolve own executable")
	}
	return orchestrator.Resolve(cfg, self)
}

// newOrchestrator wires the stage chain to the exec runner and to st for
// locking and run history.
func newOrchestrator(def orchestrator.Definition, st store.Store, runner orchestrator.Runner) *orchestrator.Orchestrator {
	if runner == nil {
		runner = &orchestrator.ExecRunner{}
	}
	return orchestrator.New(def, runner, st, orchestrator.WithRecorder(st))
}

// startMonitoring runs the alert checker until ctx is done. It returns false
// without starting anything when no webhook is configured.
func startMonitoring(ctx context.Context, cfg *config.Config, runs monitoring.RunLister) bool {
	if cfg.Monitoring.WebhookURL == "" {
		zap.L().Debug("monitoring disabled, no webhook configured")
		return false
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(runs, cfg.Pipeline.Name),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
	return true
}
