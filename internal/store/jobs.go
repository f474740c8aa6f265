package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobRecord is a scheduled job as the store knows it: the definition synced
// from jobs.yaml plus the history fields the scheduler maintains.
type JobRecord struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Cron                string     `json:"cron"`
	Lane                string     `json:"lane"`
	Query               string     `json:"query"`
	Executor            string     `json:"executor,omitempty"`
	Model               string     `json:"model,omitempty"`
	Enabled             bool       `json:"enabled"`
	TimeoutSeconds      int        `json:"timeout_seconds,omitempty"`
	NotifyOnSuccess     bool       `json:"notify_on_success"`
	NotifyOnFailure     bool       `json:"notify_on_failure"`
	ContextFiles        []string   `json:"context_files,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// UpsertJob writes a job definition, preserving scheduler history on update.
// A changed cron expression clears next_run_at so the scheduler recomputes it.
func (s *Store) UpsertJob(ctx context.Context, j JobRecord) error {
	if j.ID == "" || j.Cron == "" {
		return fmt.Errorf("upsert job: id and cron are required")
	}
	files, err := json.Marshal(j.ContextFiles)
	if err != nil {
		return fmt.Errorf("marshal context files: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (
				id, name, cron, lane, query, executor, model, enabled,
				timeout_seconds, notify_on_success, notify_on_failure, context_files,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				cron = excluded.cron,
				lane = excluded.lane,
				query = excluded.query,
				executor = excluded.executor,
				model = excluded.model,
				enabled = excluded.enabled,
				timeout_seconds = excluded.timeout_seconds,
				notify_on_success = excluded.notify_on_success,
				notify_on_failure = excluded.notify_on_failure,
				context_files = excluded.context_files,
				next_run_at = CASE WHEN jobs.cron = excluded.cron THEN jobs.next_run_at ELSE NULL END,
				updated_at = CURRENT_TIMESTAMP;
		`, j.ID, j.Name, j.Cron, j.Lane, j.Query, j.Executor, j.Model, j.Enabled,
			j.TimeoutSeconds, j.NotifyOnSuccess, j.NotifyOnFailure, string(files))
		if err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}
		return nil
	})
}

// DisableJobsExcept disables every job whose id is not in keep. Jobs dropped
// from jobs.yaml stop firing but keep their history.
func (s *Store) DisableJobsExcept(ctx context.Context, keep []string) (int64, error) {
	query := `UPDATE jobs SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE enabled = 1`
	args := []any{}
	if len(keep) > 0 {
		query += ` AND id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return 0, fmt.Errorf("disable removed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetJob fetches one job by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?;`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return j, nil
}

// ListJobs returns all jobs ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+` ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DueJobs returns enabled jobs whose next_run_at has passed.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsNeedingSchedule returns enabled jobs with no computed next fire time
// (new jobs, or jobs whose cron changed).
func (s *Store) JobsNeedingSchedule(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, jobSelect+`
		WHERE enabled = 1 AND next_run_at IS NULL
		ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query unscheduled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SetJobNextRun advances a job's next fire time.
func (s *Store) SetJobNextRun(ctx context.Context, id string, next time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, next.UTC(), id)
		if err != nil {
			return fmt.Errorf("set job next run: %w", err)
		}
		return nil
	})
}

// UpdateJobAfterRun applies post-run bookkeeping: last_run_at moves on every
// attempt; last_success_at and the failure streak only change on success.
func (s *Store) UpdateJobAfterRun(ctx context.Context, id string, ranAt time.Time, success bool) error {
	return retryOnBusy(ctx, 5, func() error {
		var err error
		if success {
			_, err = s.db.ExecContext(ctx, `
				UPDATE jobs
				SET last_run_at = ?, last_success_at = ?, consecutive_failures = 0,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, ranAt.UTC(), ranAt.UTC(), id)
		} else {
			_, err = s.db.ExecContext(ctx, `
				UPDATE jobs
				SET last_run_at = ?, consecutive_failures = consecutive_failures + 1,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, ranAt.UTC(), id)
		}
		if err != nil {
			return fmt.Errorf("update job after run: %w", err)
		}
		return nil
	})
}

// JobRun is one history record of a scheduled job trigger.
type JobRun struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	RunID       string     `json:"run_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Success     bool       `json:"success"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AppendJobRun records one trigger attempt in the job's history.
func (s *Store) AppendJobRun(ctx context.Context, jr JobRun) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		var exitCode any
		if jr.ExitCode != nil {
			exitCode = *jr.ExitCode
		}
		var completedAt any
		if jr.CompletedAt != nil {
			completedAt = jr.CompletedAt.UTC()
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO job_runs (job_id, run_id, started_at, completed_at, success, exit_code, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, jr.JobID, jr.RunID, jr.StartedAt.UTC(), completedAt, jr.Success, exitCode, jr.Error)
		if err != nil {
			return fmt.Errorf("insert job run: %w", err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// ListJobRuns returns a job's recent history, newest first.
func (s *Store) ListJobRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, run_id, started_at, completed_at, success, exit_code, error, created_at
		FROM job_runs
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	var out []JobRun
	for rows.Next() {
		var jr JobRun
		var exitCode sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&jr.ID, &jr.JobID, &jr.RunID, &jr.StartedAt, &completedAt, &jr.Success, &exitCode, &jr.Error, &jr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			jr.ExitCode = &code
		}
		if completedAt.Valid {
			t := completedAt.Time
			jr.CompletedAt = &t
		}
		out = append(out, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job run rows: %w", err)
	}
	return out, nil
}

const jobSelect = `
	SELECT id, name, cron, lane, query, executor, model, enabled,
		timeout_seconds, notify_on_success, notify_on_failure, context_files,
		next_run_at, last_run_at, last_success_at, consecutive_failures,
		created_at, updated_at
	FROM jobs`

func scanJob(scan func(dest ...any) error) (*JobRecord, error) {
	var j JobRecord
	var files string
	var nextRunAt, lastRunAt, lastSuccessAt sql.NullTime
	if err := scan(
		&j.ID, &j.Name, &j.Cron, &j.Lane, &j.Query, &j.Executor, &j.Model, &j.Enabled,
		&j.TimeoutSeconds, &j.NotifyOnSuccess, &j.NotifyOnFailure, &files,
		&nextRunAt, &lastRunAt, &lastSuccessAt, &j.ConsecutiveFailures,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if files != "" && files != "null" {
		if err := json.Unmarshal([]byte(files), &j.ContextFiles); err != nil {
			return nil, fmt.Errorf("unmarshal context files: %w", err)
		}
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		j.LastRunAt = &t
	}
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		j.LastSuccessAt = &t
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]JobRecord, error) {
	var out []JobRecord
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows: %w", err)
	}
	return out, nil
}
