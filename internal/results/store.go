package results

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/kingrea/crucible/internal/sweep"
)

// Status enumerates the lifecycle of one recorded run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Run is one row of the results database: a single job execution.
type Run struct {
	ID             string
	SweepID        string
	InstanceID     string
	Seed           int
	Task           string
	Strategy       string
	Device         int
	Status         Status
	ExitCode       int
	TranscriptPath string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Store persists run outcomes in a SQLite database so sweeps can resume and
// status commands can report without scraping log files.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	sweep_id        TEXT NOT NULL,
	instance_id     TEXT NOT NULL,
	seed            INTEGER NOT NULL,
	task            TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	device          INTEGER NOT NULL,
	status          TEXT NOT NULL,
	exit_code       INTEGER NOT NULL DEFAULT 0,
	transcript_path TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMP NOT NULL,
	finished_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_sweep ON runs(sweep_id, instance_id);
`

// Open creates (or reuses) the results database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("results: ensure state dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under the launcher's concurrent updates.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordStart inserts a run row in the running state.
func (s *Store) RecordStart(run Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("results: store is not open")
	}
	if run.ID == "" {
		return fmt.Errorf("results: run id is required")
	}
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, sweep_id, instance_id, seed, task, strategy, device, status, transcript_path, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SweepID, run.InstanceID, run.Seed, run.Task, run.Strategy,
		run.Device, string(StatusRunning), run.TranscriptPath, startedAt,
	)
	if err != nil {
		return fmt.Errorf("results: record start %s: %w", run.InstanceID, err)
	}
	return nil
}

// RecordFinish marks a run as finished with the given status and exit code.
func (s *Store) RecordFinish(id string, status Status, exitCode int, finishedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("results: store is not open")
	}
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = ? WHERE id = ?`,
		string(status), exitCode, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("results: record finish %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("results: run %s not found", id)
	}
	return nil
}

// CompletedSet returns the instance IDs of every run recorded as completed
// for the given sweep. Resume uses this to skip finished combinations.
func (s *Store) CompletedSet(sweepID string) (map[string]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("results: store is not open")
	}
	rows, err := s.db.Query(
		`SELECT instance_id FROM runs WHERE sweep_id = ? AND status = ?`,
		sweepID, string(StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("results: query completed runs: %w", err)
	}
	defer rows.Close()
	completed := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("results: scan completed run: %w", err)
		}
		completed[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("results: iterate completed runs: %w", err)
	}
	return completed, nil
}

// List returns every run for a sweep in start order. An empty sweepID lists
// all runs.
func (s *Store) List(sweepID string) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("results: store is not open")
	}
	query := `SELECT id, sweep_id, instance_id, seed, task, strategy, device, status, exit_code, transcript_path, started_at, finished_at
		FROM runs`
	args := []any{}
	if sweepID != "" {
		query += ` WHERE sweep_id = ?`
		args = append(args, sweepID)
	}
	query += ` ORDER BY started_at, instance_id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("results: list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var run Run
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.SweepID, &run.InstanceID, &run.Seed, &run.Task,
			&run.Strategy, &run.Device, &status, &run.ExitCode, &run.TranscriptPath,
			&run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("results: scan run: %w", err)
		}
		run.Status = Status(status)
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("results: iterate runs: %w", err)
	}
	return runs, nil
}

// Find returns the most recent run for a job instance within a sweep.
func (s *Store) Find(sweepID, instanceID string) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, fmt.Errorf("results: store is not open")
	}
	row := s.db.QueryRow(
		`SELECT id, sweep_id, instance_id, seed, task, strategy, device, status, exit_code, transcript_path, started_at, finished_at
		 FROM runs WHERE sweep_id = ? AND instance_id = ?
		 ORDER BY started_at DESC LIMIT 1`,
		sweepID, instanceID,
	)
	var run Run
	var status string
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.SweepID, &run.InstanceID, &run.Seed, &run.Task,
		&run.Strategy, &run.Device, &status, &run.ExitCode, &run.TranscriptPath,
		&run.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("results: run %s/%s not found", sweepID, instanceID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("results: find run: %w", err)
	}
	run.Status = Status(status)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}

// FromJob seeds a Run row from an expanded grid cell.
func FromJob(runID string, job sweep.Job, transcriptPath string) Run {
	return Run{
		ID:             runID,
		SweepID:        job.SweepID,
		InstanceID:     job.InstanceID(),
		Seed:           job.Seed,
		Task:           job.Task,
		Strategy:       job.Strategy,
		Device:         job.Device,
		TranscriptPath: transcriptPath,
	}
}
