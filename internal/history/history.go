// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history keeps an append-only SQLite log of finished pipeline
// runs, one row per job, so `pipex status --history` (or an equivalent
// query) can answer "what ran, when, and did it succeed" without
// replaying every run's event log. Recording is best-effort: a history
// write failure is logged and swallowed, never surfaced to the caller
// that just finished a real pipeline run.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livingdata-co/pipex/internal/aggregator"
)

// Store is an append-only log of finished runs backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path and
// runs its migrations. path is typically <workspace>/history.db.
func Open(path string) (*Store, error) {
	connStr := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect history db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			job_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			pipeline_name TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			session_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workspace
			ON runs(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at
			ON runs(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("history migration: %w", err)
		}
	}
	return nil
}

// Record appends one finished run's snapshot to the log. Safe to call
// with a still-running session (Status will read "running"), though
// callers normally wait for PIPELINE_FINISHED/PIPELINE_FAILED first.
func (s *Store) Record(ctx context.Context, snap aggregator.SessionState) error {
	sessionJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	finishedAt := snap.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	durationMs := finishedAt.Sub(snap.StartedAt).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (job_id, workspace_id, pipeline_name, status, started_at, finished_at, duration_ms, session_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms,
			session_json = excluded.session_json`,
		snap.JobID, snap.WorkspaceID, snap.PipelineName, string(snap.Status),
		snap.StartedAt.Format(time.RFC3339Nano), finishedAt.Format(time.RFC3339Nano),
		durationMs, string(sessionJSON),
	)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// Entry is one row of run history, without the full session snapshot.
type Entry struct {
	JobID        string
	WorkspaceID  string
	PipelineName string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMs   int64
}

// Recent returns the most recent limit runs for workspaceID, newest
// first. A zero or negative limit defaults to 20.
func (s *Store) Recent(ctx context.Context, workspaceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, workspace_id, pipeline_name, status, started_at, finished_at, duration_ms
		FROM runs
		WHERE workspace_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt, finishedAt string
		if err := rows.Scan(&e.JobID, &e.WorkspaceID, &e.PipelineName, &e.Status, &startedAt, &finishedAt, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan run history row: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Session loads the full session snapshot recorded for jobID.
func (s *Store) Session(ctx context.Context, jobID string) (aggregator.SessionState, error) {
	var sessionJSON string
	err := s.db.QueryRowContext(ctx, `SELECT session_json FROM runs WHERE job_id = ?`, jobID).Scan(&sessionJSON)
	if err != nil {
		return aggregator.SessionState{}, fmt.Errorf("load session %s: %w", jobID, err)
	}
	var snap aggregator.SessionState
	if err := json.Unmarshal([]byte(sessionJSON), &snap); err != nil {
		return aggregator.SessionState{}, fmt.Errorf("unmarshal session %s: %w", jobID, err)
	}
	return snap, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
