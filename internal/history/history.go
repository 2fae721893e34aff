// Package history implements the optional History component (SPEC_FULL.md
// §4.10): a read-only, post-hoc record of finalized runs backed by an
// embedded libSQL database. It sits off the hot path — the CLI runner hands
// a Recorder a RunSummary and the run's full audit event stream only after
// the Executor has returned a terminal status, so history can never
// influence execution and a missing or failing Recorder never fails a run.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/nexrun/wfkernel/internal/audit"
	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Recorder persists finalized runs for later querying. A single Recorder is
// shared across runs; it is safe for concurrent use.
type Recorder struct {
	db *sql.DB
}

// Open opens (creating if necessary) a libSQL database at dbPath — a file
// URI such as "file:history.db" — and brings its schema up to date.
func Open(dbPath string) (*Recorder, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var discard string
		_ = db.QueryRow(pragma).Scan(&discard)
	}

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error { return r.db.Close() }

// RunRecord is one finalized run as stored in history, with its full audit
// event stream alongside the terminal RunSummary fields.
type RunRecord struct {
	RunSummary kernel.RunSummary
	WorkflowName string
	Events       []audit.Entry
}

// RecordRun persists summary and its run's complete audit event stream in a
// single transaction. Calling RecordRun twice for the same run_id replaces
// the prior record (a rerun always starts from a clean context per §7, so a
// repeated run_id should not occur in practice, but history stays
// idempotent rather than erroring on it).
func (r *Recorder) RecordRun(ctx context.Context, workflowName string, summary kernel.RunSummary, events []audit.Entry) error {
	stepResults, err := json.Marshal(summary.StepResults)
	if err != nil {
		return fmt.Errorf("history: marshal step_results: %w", err)
	}
	artifactsIndex, err := json.Marshal(summary.ArtifactsIndex)
	if err != nil {
		return fmt.Errorf("history: marshal artifacts_index: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_name, status, tokens_used_total, budget_remaining, drain_mode_entered, step_results, artifacts_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status=excluded.status, tokens_used_total=excluded.tokens_used_total,
			budget_remaining=excluded.budget_remaining, drain_mode_entered=excluded.drain_mode_entered,
			step_results=excluded.step_results, artifacts_index=excluded.artifacts_index`,
		summary.RunID, workflowName, string(summary.Status), summary.TokensUsedTotal,
		summary.BudgetRemaining, boolToInt(summary.DrainModeEntered), string(stepResults), string(artifactsIndex),
	); err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, summary.RunID); err != nil {
		return fmt.Errorf("history: clear prior events: %w", err)
	}
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("history: marshal event data: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, kind, step_id, data) VALUES (?, ?, ?, ?, ?)`,
			summary.RunID, e.Seq, e.Kind, e.StepID, string(data),
		); err != nil {
			return fmt.Errorf("history: insert event seq %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

// Filter narrows ListRuns. Zero-value fields are unconstrained.
type Filter struct {
	WorkflowName string
	Status       kernel.RunStatus
	Limit        int
}

// ListRuns returns finalized runs matching filter, most recently recorded
// first. It does not load each run's event stream; call GetRun for that.
func (r *Recorder) ListRuns(ctx context.Context, filter Filter) ([]RunRecord, error) {
	query := `SELECT run_id, workflow_name, status, tokens_used_total, budget_remaining, drain_mode_entered, step_results, artifacts_index
		FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY recorded_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one run's full record, including its audit event stream,
// or (nil, nil) if runID is not in history.
func (r *Recorder) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, status, tokens_used_total, budget_remaining, drain_mode_entered, step_results, artifacts_index
		FROM runs WHERE run_id = ?`, runID)

	rec, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get run %q: %w", runID, err)
	}

	eventRows, err := r.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, step_id, data FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: load events for %q: %w", runID, err)
	}
	defer eventRows.Close()

	for eventRows.Next() {
		var e audit.Entry
		var stepID sql.NullString
		var data sql.NullString
		if err := eventRows.Scan(&e.Seq, &e.RunID, &e.Kind, &stepID, &data); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		e.StepID = stepID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("history: unmarshal event data: %w", err)
			}
		}
		rec.Events = append(rec.Events, e)
	}
	if err := eventRows.Err(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRecord(s rowScanner) (RunRecord, error) {
	var rec RunRecord
	var stepResults, artifactsIndex string
	var drainMode int
	var status string
	if err := s.Scan(&rec.RunSummary.RunID, &rec.WorkflowName, &status, &rec.RunSummary.TokensUsedTotal,
		&rec.RunSummary.BudgetRemaining, &drainMode, &stepResults, &artifactsIndex); err != nil {
		return rec, err
	}
	rec.RunSummary.Status = kernel.RunStatus(status)
	rec.RunSummary.DrainModeEntered = drainMode != 0

	if err := json.Unmarshal([]byte(stepResults), &rec.RunSummary.StepResults); err != nil {
		return rec, fmt.Errorf("history: unmarshal step_results: %w", err)
	}
	if err := json.Unmarshal([]byte(artifactsIndex), &rec.RunSummary.ArtifactsIndex); err != nil {
		return rec, fmt.Errorf("history: unmarshal artifacts_index: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
