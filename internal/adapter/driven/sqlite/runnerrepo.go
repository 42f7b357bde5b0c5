package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/karlbohlmark/eifl/internal/domain/model"
	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RunnerStore = (*RunnerRepo)(nil)

// RunnerRepo is the SQLite implementation of the RunnerStore port. Tags are
// serialized as a JSON array in the TEXT column.
type RunnerRepo struct {
	db *DB
}

// NewRunnerRepo creates a new RunnerRepo backed by the given DB.
func NewRunnerRepo(db *DB) *RunnerRepo {
	return &RunnerRepo{db: db}
}

const runnerColumns = `id, name, token, status, tags, max_concurrency, active_jobs, last_seen, created_at`

// Create inserts a runner. Duplicate names or tokens return ErrConflict;
// max_concurrency below 1 returns ErrValidation.
func (r *RunnerRepo) Create(ctx context.Context, runner model.Runner) (*model.Runner, error) {
	if runner.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max_concurrency must be at least 1: %w", driven.ErrValidation)
	}
	if runner.Status == "" {
		runner.Status = model.RunnerStatusOffline
	}
	createdAt := runner.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tags := runner.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	const query = `
		INSERT INTO runners (name, token, status, tags, max_concurrency, active_jobs, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		runner.Name, runner.Token, string(runner.Status), string(tagsJSON), runner.MaxConcurrency, formatTime(createdAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("create runner %q: %w", runner.Name, driven.ErrConflict)
		}
		return nil, fmt.Errorf("create runner %q: %w", runner.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create runner %q: last insert id: %w", runner.Name, err)
	}

	runner.ID = id
	runner.ActiveJobs = 0
	runner.LastSeen = nil
	runner.CreatedAt = createdAt
	return &runner, nil
}

// GetByID retrieves a runner. Returns ErrNotFound when absent.
func (r *RunnerRepo) GetByID(ctx context.Context, id int64) (*model.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners WHERE id = ?`

	runner, err := scanRunner(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runner %d: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get runner %d: %w", id, err)
	}

	return runner, nil
}

// GetByToken resolves a runner from its bearer token. Returns
// ErrUnauthorized when the token is unknown.
func (r *RunnerRepo) GetByToken(ctx context.Context, token string) (*model.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners WHERE token = ?`

	runner, err := scanRunner(r.db.Reader.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, driven.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("get runner by token: %w", err)
	}

	return runner, nil
}

// ListAll returns all runners ordered by name.
func (r *RunnerRepo) ListAll(ctx context.Context) ([]model.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners ORDER BY name`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var runners []model.Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, *runner)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}

	return runners, nil
}

// Touch refreshes last_seen and sets the runner's status.
func (r *RunnerRepo) Touch(ctx context.Context, id int64, status model.RunnerStatus) error {
	const query = `UPDATE runners SET last_seen = ?, status = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(time.Now().UTC()), string(status), id)
	if err != nil {
		return fmt.Errorf("touch runner %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("runner %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

// DecrementActiveJobs decrements active_jobs with a clamp at zero and sets
// the runner back to online. The status regression is deliberate: busy means
// "at capacity right now", and completing any one job ends that condition.
func (r *RunnerRepo) DecrementActiveJobs(ctx context.Context, id int64) error {
	const query = `
		UPDATE runners SET
			active_jobs = MAX(active_jobs - 1, 0),
			status = 'online',
			last_seen = ?
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("decrement active_jobs for runner %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("runner %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

// Delete removes a runner.
func (r *RunnerRepo) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM runners WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete runner %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("runner %d: %w", id, driven.ErrNotFound)
	}

	return nil
}

func scanRunner(s scanner) (*model.Runner, error) {
	var runner model.Runner
	var status, tagsJSON string
	var lastSeen sql.NullString
	var createdAt string

	err := s.Scan(&runner.ID, &runner.Name, &runner.Token, &status, &tagsJSON,
		&runner.MaxConcurrency, &runner.ActiveJobs, &lastSeen, &createdAt)
	if err != nil {
		return nil, err
	}

	runner.Status = model.RunnerStatus(status)

	if err := json.Unmarshal([]byte(tagsJSON), &runner.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}

	runner.LastSeen, err = parseTimePtr(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}
	runner.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &runner, nil
}
