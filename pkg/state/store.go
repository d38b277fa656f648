// Package state keeps a ledger of pipeline runs and their steps in SQLite so
// interrupted runs can be resumed.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"dicom2svr/internal/models"
)

// ErrNotFound is returned when no matching record exists.
var ErrNotFound = errors.New("not found")

// Run is one invocation of the pipeline.
type Run struct {
	ID       string
	DicomDir string
	OutDir   string
	Started  time.Time
	Finished time.Time
	Status   models.StepStatus
}

// Step is a recorded step of a run.
type Step struct {
	RunID    string
	Name     models.StepName
	Status   models.StepStatus
	Started  time.Time
	Finished time.Time
	Error    string
}

// Store provides SQLite persistence for the run ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the pipeline is sequential.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		dicom_dir TEXT NOT NULL,
		out_dir TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL CHECK(status IN ('running', 'done', 'failed'))
	);

	CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL REFERENCES runs(id),
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('running', 'done', 'skipped', 'failed')),
		started_at TEXT NOT NULL,
		finished_at TEXT,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_steps_name_status ON steps(name, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, ns.String)
	return t
}

// BeginRun records a new running run.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dicom_dir, out_dir, started_at, status) VALUES (?, ?, ?, ?, 'running')`,
		r.ID, r.DicomDir, r.OutDir, formatTime(r.Started))
	return err
}

// FinishRun marks a run done or failed.
func (s *Store) FinishRun(ctx context.Context, id string, status models.StepStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordStep inserts or updates the state of a step.
func (s *Store) RecordStep(ctx context.Context, st Step) error {
	var finished any
	if !st.Finished.IsZero() {
		finished = formatTime(st.Finished)
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO steps (run_id, name, status, started_at, finished_at, error)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, name) DO UPDATE SET
		status = excluded.status,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		error = excluded.error
	`, st.RunID, string(st.Name), string(st.Status), formatTime(st.Started), finished, st.Error)
	return err
}

// LastSuccessful returns the most recent done step with the given name for
// runs writing to outDir.
func (s *Store) LastSuccessful(ctx context.Context, outDir string, name models.StepName) (Step, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT s.run_id, s.name, s.status, s.started_at, s.finished_at, s.error
	FROM steps s JOIN runs r ON r.id = s.run_id
	WHERE r.out_dir = ? AND s.name = ? AND s.status = 'done'
	ORDER BY s.finished_at DESC
	LIMIT 1
	`, outDir, string(name))

	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, fmt.Errorf("step %s: %w", name, ErrNotFound)
	}
	return st, err
}

// Steps returns the steps of a run in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, name, status, started_at, finished_at, error
	FROM steps WHERE run_id = ? ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Runs returns the latest runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, dicom_dir, out_dir, started_at, finished_at, status
	FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished sql.NullString
			status            string
		)
		if err := rows.Scan(&r.ID, &r.DicomDir, &r.OutDir, &started, &finished, &status); err != nil {
			return nil, err
		}
		r.Started = parseTime(started)
		r.Finished = parseTime(finished)
		r.Status = models.StepStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (Step, error) {
	var (
		st                Step
		name, status      string
		started, finished sql.NullString
	)
	if err := row.Scan(&st.RunID, &name, &status, &started, &finished, &st.Error); err != nil {
		return Step{}, err
	}
	st.Name = models.StepName(name)
	st.Status = models.StepStatus(status)
	st.Started = parseTime(started)
	st.Finished = parseTime(finished)
	return st, nil
}
