package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one execution attempt of a query against an executor within a lane.
type Run struct {
	ID                string     `json:"id"`
	Lane              string     `json:"lane"`
	Executor          string     `json:"executor"`
	Model             string     `json:"model,omitempty"`
	Status            RunStatus  `json:"status"`
	Query             string     `json:"query"`
	Output            string     `json:"output,omitempty"`
	Error             string     `json:"error,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	ContinuationToken string     `json:"continuation_token,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CreateRun inserts a new pending run row. The caller supplies the id.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if r.ID == "" || r.Lane == "" {
		return fmt.Errorf("create run: id and lane are required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, lane, executor, model, status, query, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, r.ID, r.Lane, r.Executor, r.Model, RunStatusPending, r.Query)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// MarkRunRunning transitions a pending run to running and stamps started_at.
// Returns sql.ErrNoRows if the run is not pending.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, started_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, RunStatusRunning, time.Now().UTC(), runID, RunStatusPending)
		if err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// CompleteRun settles a running run into a terminal status. The conditional
// WHERE keeps a settled run settled: a second completion attempt returns
// sql.ErrNoRows instead of overwriting the first outcome.
func (s *Store) CompleteRun(ctx context.Context, runID string, status RunStatus, exitCode int, output, errMsg, continuationToken string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run: %q is not a terminal status", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, exit_code = ?, output = ?, error = ?, continuation_token = ?,
				completed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, status, exitCode, output, errMsg, continuationToken,
			time.Now().UTC(), runID, RunStatusPending, RunStatusRunning)
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// GetRun fetches one run by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, lane, executor, model, status, query, output, error,
			exit_code, continuation_token, started_at, completed_at, created_at, updated_at
		FROM runs
		WHERE id = ?;
	`, runID)
	r, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select run: %w", err)
	}
	return r, nil
}

// ListRuns returns recent runs, newest first. Empty lane means all lanes.
func (s *Store) ListRuns(ctx context.Context, lane string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query := `
		SELECT id, lane, executor, model, status, query, output, error,
			exit_code, continuation_token, started_at, completed_at, created_at, updated_at
		FROM runs`
	args := []any{}
	if lane != "" {
		query += ` WHERE lane = ?`
		args = append(args, lane)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// SweepStaleRuns fails every run left pending or running by a previous
// process. Called once at startup before any loop may create new runs, so a
// crash can never leave a lane permanently "busy" in the store.
func (s *Store) SweepStaleRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, error = 'interrupted by daemon restart', exit_code = -1,
			completed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?);
	`, RunStatusFailed, time.Now().UTC(), RunStatusPending, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("sweep stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunCounts is a by-status snapshot for the ops surface.
type RunCounts struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

func (s *Store) CountRuns(ctx context.Context) (RunCounts, error) {
	var c RunCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM runs GROUP BY status;`)
	if err != nil {
		return c, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status RunStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan run count: %w", err)
		}
		switch status {
		case RunStatusRunning:
			c.Running = n
		case RunStatusCompleted:
			c.Completed = n
		case RunStatusFailed:
			c.Failed = n
		case RunStatusCancelled:
			c.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("run count rows: %w", err)
	}
	return c, nil
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var r Run
	var exitCode sql.NullInt64
	var startedAt, completedAt sql.NullTime
	if err := scan(
		&r.ID, &r.Lane, &r.Executor, &r.Model, &r.Status, &r.Query, &r.Output, &r.Error,
		&exitCode, &r.ContinuationToken, &startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
