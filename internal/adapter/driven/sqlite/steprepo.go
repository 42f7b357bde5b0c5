package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StepStore = (*StepRepo)(nil)

// StepRepo is the SQLite implementation of the StepStore port.
type StepRepo struct {
	db *DB
}

// NewStepRepo creates a new StepRepo backed by the given DB.
func NewStepRepo(db *DB) *StepRepo {
	return &StepRepo{db: db}
}

const stepColumns = `id, run_id, name, command, status, exit_code, output, started_at, finished_at`

// Create inserts a step. Callers insert steps in declared order; ordering is
// the ascending id.
func (r *StepRepo) Create(ctx context.Context, step model.Step) (*model.Step, error) {
	const query = `
		INSERT INTO steps (run_id, name, command, status, exit_code, output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if step.Status == "" {
		step.Status = model.StepStatusPending
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		step.RunID, step.Name, step.Command, string(step.Status), step.ExitCode, step.Output,
		formatTimePtr(step.StartedAt), formatTimePtr(step.FinishedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create step %q for run %d: %w", step.Name, step.RunID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create step %q: last insert id: %w", step.Name, err)
	}

	step.ID = id
	return &step, nil
}

// GetByID retrieves a step. Returns ErrNotFound when absent.
func (r *StepRepo) GetByID(ctx context.Context, id int64) (*model.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE id = ?`

	step, err := scanStep(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step %d: %w", id, err)
	}

	return step, nil
}

// ListByRun returns the run's steps in declared (ascending id) order.
func (r *StepRepo) ListByRun(ctx context.Context, runID int64) ([]model.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = ? ORDER BY id`

	rows, err := r.db.Reader.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps for run %d: %w", runID, err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	return steps, nil
}

// SetStatus updates the step's status and optional exit code, setting
// started_at on the transition into running and finished_at on any terminal
// transition.
func (r *StepRepo) SetStatus(ctx context.Context, id int64, status model.StepStatus, exitCode *int) error {
	now := formatTime(time.Now().UTC())

	var query string
	var args []any
	switch {
	case status == model.StepStatusRunning:
		query = `UPDATE steps SET status = ?, exit_code = COALESCE(?, exit_code), started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []any{string(status), exitCode, now, id}
	case status.Terminal():
		query = `UPDATE steps SET status = ?, exit_code = COALESCE(?, exit_code), finished_at = COALESCE(finished_at, ?) WHERE id = ?`
		args = []any{string(status), exitCode, now, id}
	default:
		query = `UPDATE steps SET status = ?, exit_code = COALESCE(?, exit_code) WHERE id = ?`
		args = []any{string(status), exitCode, id}
	}

	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set step %d status %s: %w", id, status, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

// AppendOutput concatenates chunk onto the step's stored output. The append
// happens inside the UPDATE so concurrent readers only ever observe a
// prefix, never torn output.
func (r *StepRepo) AppendOutput(ctx context.Context, id int64, chunk string) error {
	const query = `UPDATE steps SET output = output || ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, chunk, id)
	if err != nil {
		return fmt.Errorf("append output to step %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

func scanStep(s scanner) (*model.Step, error) {
	var step model.Step
	var status string
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullString

	err := s.Scan(&step.ID, &step.RunID, &step.Name, &step.Command, &status, &exitCode, &step.Output, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	step.Status = model.StepStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		step.ExitCode = &code
	}

	step.StartedAt, err = parseTimePtr(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	step.FinishedAt, err = parseTimePtr(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	return &step, nil
}
