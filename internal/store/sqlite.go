package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/idealista-analytics/pipeline/internal/model"
	"github.com/idealista-analytics/pipeline/internal/orchestrator"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	lockTTL time.Duration
	now     func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLockTTL lets Acquire reclaim locks older than ttl, left behind by a
// process that died mid-run. Zero disables reclaiming.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *SQLiteStore) { s.lockTTL = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pragmas go in the DSN so every pooled connection gets them.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	failed_stage TEXT NOT NULL DEFAULT '',
	exit_code    INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   DATETIME NOT NULL,
	finished_at  DATETIME
);

CREATE TABLE IF NOT EXISTS run_stages (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	attempts    INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	stdout      TEXT NOT NULL DEFAULT '',
	stderr      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME,
	PRIMARY KEY (run_id, name)
);

CREATE TABLE IF NOT EXISTS run_locks (
	pipeline    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	acquired_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunStarted implements orchestrator.Recorder. It inserts the run and one
// pending row per stage.
func (s *SQLiteStore) RunStarted(ctx context.Context, run *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin run insert")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, triggered_by, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.Trigger, string(run.Status), run.StartedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
	}

	for i, st := range run.Stages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_stages (run_id, position, name, status) VALUES (?, ?, ?, ?)`,
			run.ID, i, st.Name, string(st.Status),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert stage %s for run %s", st.Name, run.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit run insert")
}

// StageStarted implements orchestrator.Recorder.
func (s *SQLiteStore) StageStarted(ctx context.Context, runID string, o model.StageOutcome) error {
	var startedAt any
	if o.StartedAt != nil {
		startedAt = o.StartedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, started_at = ? WHERE run_id = ? AND name = ?`,
		string(o.Status), startedAt, runID, o.Name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start stage %s for run %s", o.Name, runID)
	}
	return checkRowsAffected(res, "stage", runID+"/"+o.Name)
}

// StageFinished implements orchestrator.Recorder.
func (s *SQLiteStore) StageFinished(ctx context.Context, runID string, o model.StageOutcome) error {
	var startedAt any
	if o.StartedAt != nil {
		startedAt = o.StartedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages
		 SET status = ?, attempts = ?, exit_code = ?, stdout = ?, stderr = ?, error = ?, duration_ms = ?, started_at = ?
		 WHERE run_id = ? AND name = ?`,
		string(o.Status), o.Attempts, o.ExitCode, o.Stdout, o.Stderr, o.Error, o.DurationMS, startedAt,
		runID, o.Name,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update stage %s for run %s", o.Name, runID)
	}
	return checkRowsAffected(res, "stage", runID+"/"+o.Name)
}

// RunFinished implements orchestrator.Recorder.
func (s *SQLiteStore) RunFinished(ctx context.Context, run *model.Run) error {
	var finishedAt any
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_stage = ?, exit_code = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), run.FailedStage, run.ExitCode, run.Error, finishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

const runColumns = `id, pipeline, triggered_by, status, failed_stage, exit_code, error, started_at, finished_at`

// GetRun returns a run with its stage outcomes in chain order.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, attempts, exit_code, stdout, stderr, error, duration_ms, started_at
		 FROM run_stages WHERE run_id = ? ORDER BY position`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stages for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var o model.StageOutcome
		var startedAt sql.NullTime
		if err := rows.Scan(&o.Name, &o.Status, &o.Attempts, &o.ExitCode, &o.Stdout, &o.Stderr, &o.Error, &o.DurationMS, &startedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if startedAt.Valid {
			t := startedAt.Time
			o.StartedAt = &t
		}
		run.Stages = append(run.Stages, o)
	}
	return run, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

// ListRuns returns runs newest first, without stage outcomes.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Pipeline != "" {
		query += ` AND pipeline = ?`
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// Acquire implements orchestrator.Locker. The insert-or-take-over is a
// single statement, so two processes racing for the lock cannot both win.
func (s *SQLiteStore) Acquire(ctx context.Context, pipeline, runID string) error {
	now := s.now().UTC()
	staleBefore := int64(0)
	if s.lockTTL > 0 {
		staleBefore = now.Add(-s.lockTTL).UnixMilli()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_locks (pipeline, run_id, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT(pipeline) DO UPDATE SET run_id = excluded.run_id, acquired_at = excluded.acquired_at
		 WHERE run_locks.run_id = excluded.run_id OR run_locks.acquired_at < ?`,
		pipeline, runID, now.UnixMilli(), staleBefore,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: acquire lock %s", pipeline)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return orchestrator.ErrRunActive
	}
	return nil
}

// Release implements orchestrator.Locker.
func (s *SQLiteStore) Release(ctx context.Context, pipeline, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_locks WHERE pipeline = ? AND run_id = ?`,
		pipeline, runID,
	)
	return eris.Wrapf(err, "sqlite: release lock %s", pipeline)
}

// LockHolder returns the run holding the pipeline lock, if any.
func (s *SQLiteStore) LockHolder(ctx context.Context, pipeline string) (string, bool, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM run_locks WHERE pipeline = ?`, pipeline).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: get lock %s", pipeline)
	}
	return runID, true, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.Pipeline, &r.Trigger, &r.Status, &r.FailedStage, &r.ExitCode, &r.Error, &r.StartedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
