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
var _ driven.RunStore = (*RunRepo)(nil)

// RunRepo is the SQLite implementation of the RunStore port, including the
// dispatch reservation critical section.
type RunRepo struct {
	db *DB
}

// NewRunRepo creates a new RunRepo backed by the given DB.
func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

const runColumns = `id, pipeline_id, status, commit_sha, branch, triggered_by, started_at, finished_at, created_at`

// Create inserts a run.
func (r *RunRepo) Create(ctx context.Context, run model.Run) (*model.Run, error) {
	const query = `
		INSERT INTO runs (pipeline_id, status, commit_sha, branch, triggered_by, started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		run.PipelineID, string(run.Status), run.CommitSHA, run.Branch, string(run.TriggeredBy),
		formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt), formatTime(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create run for pipeline %d: %w", run.PipelineID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create run: last insert id: %w", err)
	}

	run.ID = id
	run.CreatedAt = createdAt
	return &run, nil
}

// GetByID retrieves a run. Returns ErrNotFound when absent.
func (r *RunRepo) GetByID(ctx context.Context, id int64) (*model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}

	return run, nil
}

// ListByPipeline returns the pipeline's runs, newest first, up to limit.
func (r *RunRepo) ListByPipeline(ctx context.Context, pipelineID int64, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE pipeline_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	return r.queryRuns(ctx, query, pipelineID, limit)
}

// ListPending returns pending runs ordered by created_at ascending, the
// dispatcher's preferred FIFO order.
func (r *RunRepo) ListPending(ctx context.Context) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = 'pending' ORDER BY created_at, id`
	return r.queryRuns(ctx, query)
}

// HasPendingOrRunning reports whether the pipeline has any run currently
// pending or running.
func (r *RunRepo) HasPendingOrRunning(ctx context.Context, pipelineID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM runs WHERE pipeline_id = ? AND status IN ('pending', 'running'))`

	var exists int
	if err := r.db.Reader.QueryRowContext(ctx, query, pipelineID).Scan(&exists); err != nil {
		return false, fmt.Errorf("pending-or-running check for pipeline %d: %w", pipelineID, err)
	}

	return exists == 1, nil
}

// SetStatus updates the run's status, setting started_at on the transition
// into running and finished_at on any terminal transition.
func (r *RunRepo) SetStatus(ctx context.Context, id int64, status model.RunStatus) error {
	now := formatTime(time.Now().UTC())

	var query string
	switch {
	case status == model.RunStatusRunning:
		query = `UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`
	case status.Terminal():
		query = `UPDATE runs SET status = ?, finished_at = COALESCE(finished_at, ?) WHERE id = ?`
	default:
		query = `UPDATE runs SET status = ? WHERE id = ?`
	}

	var res sql.Result
	var err error
	if status == model.RunStatusPending {
		res, err = r.db.Writer.ExecContext(ctx, query, string(status), id)
	} else {
		res, err = r.db.Writer.ExecContext(ctx, query, string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("set run %d status %s: %w", id, status, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

// Reserve atomically assigns the pending run to the runner. In a single
// transaction: a conditional update moves the run from pending to running
// (losing the race to a concurrent poll affects zero rows and returns
// false), the runner's active_jobs is incremented, and the runner status
// becomes busy exactly when the new count reaches max_concurrency.
func (r *RunRepo) Reserve(ctx context.Context, runID, runnerID int64) (bool, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("reserve run %d: begin: %w", runID, err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		now, runID,
	)
	if err != nil {
		return false, fmt.Errorf("reserve run %d: %w", runID, err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if changed == 0 {
		// Already taken by a concurrent poll; nothing to roll back.
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runners SET
			active_jobs = active_jobs + 1,
			status = CASE WHEN active_jobs + 1 >= max_concurrency THEN 'busy' ELSE 'online' END,
			last_seen = ?
		WHERE id = ?
	`, now, runnerID)
	if err != nil {
		return false, fmt.Errorf("reserve run %d: increment runner %d: %w", runID, runnerID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("reserve run %d: commit: %w", runID, err)
	}

	return true, nil
}

func (r *RunRepo) queryRuns(ctx context.Context, query string, args ...any) ([]model.Run, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

func scanRun(s scanner) (*model.Run, error) {
	var run model.Run
	var status, triggeredBy string
	var startedAt, finishedAt sql.NullString
	var createdAt string

	err := s.Scan(&run.ID, &run.PipelineID, &status, &run.CommitSHA, &run.Branch, &triggeredBy, &startedAt, &finishedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	run.Status = model.RunStatus(status)
	run.TriggeredBy = model.TriggerSource(triggeredBy)

	run.StartedAt, err = parseTimePtr(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	run.FinishedAt, err = parseTimePtr(finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	run.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &run, nil
}
