// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package history keeps a SQLite ledger of stage runs and their per-item
// failures.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/sql-reviewer/internal/dispatch"
)

// DBFile is the ledger file name below output.base_dir.
const DBFile = "history.db"

// Fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Failure is one failed item of a run.
type Failure struct {
	Item  string
	Error string
}

// Run is one stage invocation.
type Run struct {
	ID         string
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Attempted  int
	Succeeded  int
	Failed     int
	Skipped    int
	Failures   []Failure
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromStats converts dispatcher statistics into a Run. name renders a
// failed item for the ledger.
func FromStats[T any](stage string, started time.Time, stats dispatch.RunStats[T], name func(T) string) Run {
	r := Run{
		Stage:      stage,
		StartedAt:  started,
		FinishedAt: started.Add(stats.Elapsed),
		Total:      stats.Total,
		Attempted:  stats.Attempted,
		Succeeded:  stats.Succeeded,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
	}
	AppendFailures(&r, stats, name)
	return r
}

// AppendFailures adds the failed items of stats to r without changing its
// counts. Stages with several dispatch phases use it to keep failures of
// the earlier phases in the ledger.
func AppendFailures[T any](r *Run, stats dispatch.RunStats[T], name func(T) string) {
	for _, f := range stats.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		r.Failures = append(r.Failures, Failure{Item: name(f.Item), Error: msg})
	}
}

// Store is the ledger database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger at path, creating parent directories
// and the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			total INTEGER NOT NULL,
			attempted INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			item TEXT NOT NULL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Record stores r and its failures in one transaction. A run without an ID
// gets a new UUID. It returns the stored ID.
func (s *Store) Record(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, stage, started_at, finished_at, total, attempted, succeeded, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Stage, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Total, r.Attempted, r.Succeeded, r.Failed, r.Skipped,
	); err != nil {
		return "", fmt.Errorf("inserting run %s: %w", r.ID, err)
	}

	if len(r.Failures) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO failures (run_id, item, error) VALUES (?, ?, ?)`)
		if err != nil {
			return "", fmt.Errorf("preparing failure insert: %w", err)
		}
		defer stmt.Close()
		for _, f := range r.Failures {
			if _, err := stmt.ExecContext(ctx, r.ID, f.Item, f.Error); err != nil {
				return "", fmt.Errorf("inserting failure for %s: %w", f.Item, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Recent returns up to n runs, newest first, with their failures.
func (s *Store) Recent(ctx context.Context, n int) ([]Run, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, started_at, finished_at, total, attempted, succeeded, failed, skipped
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Stage, &started, &finished,
			&r.Total, &r.Attempted, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parsing started_at of %s: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at of %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	rows.Close()

	for i := range runs {
		f, err := s.failures(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Failures = f
	}
	return runs, nil
}

func (s *Store) failures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item, COALESCE(error, '') FROM failures WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying failures of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Item, &f.Error); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
