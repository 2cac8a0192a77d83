// Package store persists pipeline runs in a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"masterd/internal/pipeline"
)

const defaultListLimit = 20

// Store is the sqlite-backed run history. It implements pipeline.Store and
// enforces the status transition contract on every update, so an invalid
// history can never reach disk.
type Store struct {
	db *sql.DB
}

var _ pipeline.Store = (*Store)(nil)

// Open opens the database at path, creating it and the schema when missing.
// The single-connection limit serializes access the way sqlite expects.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS pipeline_runs (
  id TEXT PRIMARY KEY,
  ref TEXT NOT NULL,
  sha TEXT NOT NULL,
  protected INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  started_at DATETIME,
  finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS pipeline_jobs (
  run_id TEXT NOT NULL,
  name TEXT NOT NULL,
  stage TEXT NOT NULL,
  status TEXT NOT NULL,
  exit_code INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  log_path TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  started_at DATETIME,
  finished_at DATETIME,
  PRIMARY KEY (run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at ON pipeline_runs(created_at);
`)
	return err
}

// CreateRun inserts the run and all of its job records in one transaction.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_runs(id, ref, sha, protected, status, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, run.ID, run.Ref, run.SHA, boolToInt(run.Protected), string(run.Status), run.CreatedAt); err != nil {
		return err
	}
	for _, job := range run.Jobs {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO pipeline_jobs(run_id, name, stage, status, log_path)
VALUES(?, ?, ?, ?, ?);
`, run.ID, job.Name, job.Stage, string(job.Status), job.LogPath); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateRun moves the run to a new status, stamping started_at on the first
// transition to running and finished_at on any terminal status.
func (s *Store) UpdateRun(ctx context.Context, id string, to pipeline.Status) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM pipeline_runs WHERE id=?;", id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return err
	}
	if err := pipeline.Transition(pipeline.Status(current), to); err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}

	now := time.Now().UTC()
	var started, finished *time.Time
	if to == pipeline.StatusRunning {
		started = &now
	}
	if to.IsTerminal() {
		finished = &now
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE pipeline_runs SET status=?, started_at=COALESCE(started_at, ?), finished_at=COALESCE(finished_at, ?)
WHERE id=?;
`, string(to), started, finished, id)
	return err
}

// UpdateJob moves a job to a new non-terminal status. Terminal statuses go
// through FinishJob, which records the result alongside.
func (s *Store) UpdateJob(ctx context.Context, runID, name string, to pipeline.Status) error {
	current, err := s.jobStatus(ctx, runID, name)
	if err != nil {
		return err
	}
	if err := pipeline.Transition(current, to); err != nil {
		return fmt.Errorf("job %s/%s: %w", runID, name, err)
	}

	now := time.Now().UTC()
	var started *time.Time
	if to == pipeline.StatusRunning {
		started = &now
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE pipeline_jobs SET status=?, started_at=COALESCE(started_at, ?)
WHERE run_id=? AND name=?;
`, string(to), started, runID, name)
	return err
}

// FinishJob records a job's terminal status together with its result fields
// and stamps finished_at.
func (s *Store) FinishJob(ctx context.Context, runID, name string, to pipeline.Status, exitCode, attempts int, reason string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("job %s/%s: %s is not a terminal status", runID, name, to)
	}
	current, err := s.jobStatus(ctx, runID, name)
	if err != nil {
		return err
	}
	if err := pipeline.Transition(current, to); err != nil {
		return fmt.Errorf("job %s/%s: %w", runID, name, err)
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE pipeline_jobs SET status=?, exit_code=?, attempts=?, reason=?, finished_at=?
WHERE run_id=? AND name=?;
`, string(to), exitCode, attempts, reason, time.Now().UTC(), runID, name)
	return err
}

func (s *Store) jobStatus(ctx context.Context, runID, name string) (pipeline.Status, error) {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM pipeline_jobs WHERE run_id=? AND name=?;", runID, name).Scan(&current)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("job %s/%s not found", runID, name)
	}
	if err != nil {
		return "", err
	}
	return pipeline.Status(current), nil
}

// GetRun returns the run with its jobs in declaration order.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, ref, sha, protected, status, created_at, started_at, finished_at
FROM pipeline_runs WHERE id=?;
`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, name, stage, status, exit_code, attempts, log_path, reason, started_at, finished_at
FROM pipeline_jobs WHERE run_id=? ORDER BY rowid;
`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			job    pipeline.Job
			status string
		)
		if err := rows.Scan(&job.RunID, &job.Name, &job.Stage, &status, &job.ExitCode,
			&job.Attempts, &job.LogPath, &job.Reason, &job.StartedAt, &job.FinishedAt); err != nil {
			return nil, err
		}
		job.Status = pipeline.Status(status)
		run.Jobs = append(run.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recently created runs, newest first. Job records
// are not populated; GetRun loads the full detail.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*pipeline.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, ref, sha, protected, status, created_at, started_at, finished_at
FROM pipeline_runs ORDER BY created_at DESC, id LIMIT ?;
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Prune deletes terminal runs created before the retention window along with
// their jobs. Runs that are still created, pending, or running are kept
// regardless of age. It returns the number of runs removed.
func (s *Store) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM pipeline_jobs WHERE run_id IN (
  SELECT id FROM pipeline_runs
  WHERE created_at < ? AND status NOT IN ('created', 'pending', 'running')
);
`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
DELETE FROM pipeline_runs
WHERE created_at < ? AND status NOT IN ('created', 'pending', 'running');
`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var (
		run       pipeline.Run
		protected int
		status    string
	)
	if err := row.Scan(&run.ID, &run.Ref, &run.SHA, &protected, &status,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.Protected = protected != 0
	run.Status = pipeline.Status(status)
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
