package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusRunning   QueueStatus = "running"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
)

// QueueItem is a durable background task. Its id doubles as the monotonic
// order key; eligibility and ordering are governed by next_attempt_at.
type QueueItem struct {
	ID            int64       `json:"id"`
	Payload       string      `json:"payload"`
	Status        QueueStatus `json:"status"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"max_attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty"`
	RunID         string      `json:"run_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Enqueue inserts a pending item eligible immediately. Returns the item id.
func (s *Store) Enqueue(ctx context.Context, payload string, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO queue_items (payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, payload, QueueStatusPending, maxAttempts, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// DequeueNext atomically claims the next eligible pending item, transitioning
// it to running. The select and the conditional UPDATE share one transaction,
// so two concurrent callers can never claim the same item. Returns nil when
// nothing is eligible.
func (s *Store) DequeueNext(ctx context.Context) (*QueueItem, error) {
	var claimed *QueueItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var item QueueItem
		row := tx.QueryRowContext(ctx, `
			SELECT id, payload, status, attempts, max_attempts, next_attempt_at,
				last_error, run_id, created_at, updated_at
			FROM queue_items
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT 1;
		`, QueueStatusPending, now)
		if scanErr := row.Scan(
			&item.ID, &item.Payload, &item.Status, &item.Attempts, &item.MaxAttempts,
			&item.NextAttemptAt, &item.LastError, &item.RunID, &item.CreatedAt, &item.UpdatedAt,
		); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return fmt.Errorf("select eligible item: %w", scanErr)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, claimed_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, QueueStatusRunning, now, item.ID, QueueStatusPending)
		if err != nil {
			return fmt.Errorf("claim queue item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			claimed = nil
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		item.Status = QueueStatusRunning
		claimed = &item
		return nil
	})
	return claimed, err
}

// CompleteQueueItem settles a running item as completed.
func (s *Store) CompleteQueueItem(ctx context.Context, id int64, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, attempts = attempts + 1, run_id = ?, last_error = '',
				finished_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, QueueStatusCompleted, runID, time.Now().UTC(), id, QueueStatusRunning)
		if err != nil {
			return fmt.Errorf("complete queue item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// FailQueueItem settles a running item's failed attempt: the attempt counter
// advances, and the item either returns to pending after retryDelay or, once
// attempts reach the cap, becomes terminally failed. Reports whether the item
// will be retried.
func (s *Store) FailQueueItem(ctx context.Context, id int64, errMsg string, retryDelay time.Duration) (retried bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempts, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempts, max_attempts FROM queue_items WHERE id = ? AND status = ?;
		`, id, QueueStatusRunning).Scan(&attempts, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("select item for failure: %w", err)
		}

		now := time.Now().UTC()
		attempts++
		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_items
				SET status = ?, attempts = ?, last_error = ?, finished_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, QueueStatusFailed, attempts, errMsg, now, id, QueueStatusRunning); err != nil {
				return fmt.Errorf("fail queue item: %w", err)
			}
			retried = false
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, QueueStatusPending, attempts, errMsg, now.Add(retryDelay), id, QueueStatusRunning); err != nil {
			return fmt.Errorf("requeue queue item: %w", err)
		}
		retried = true
		return tx.Commit()
	})
	return retried, err
}

// RequeueStuckQueueItems returns items left running by a previous process to
// pending, immediately eligible. The attempt counter is untouched: a crash is
// not a handler failure.
func (s *Store) RequeueStuckQueueItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, next_attempt_at = ?, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?;
	`, QueueStatusPending, time.Now().UTC(), QueueStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetQueueItem fetches one item by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*QueueItem, error) {
	var item QueueItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payload, status, attempts, max_attempts, next_attempt_at,
			last_error, run_id, created_at, updated_at
		FROM queue_items
		WHERE id = ?;
	`, id).Scan(
		&item.ID, &item.Payload, &item.Status, &item.Attempts, &item.MaxAttempts,
		&item.NextAttemptAt, &item.LastError, &item.RunID, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("select queue item: %w", err)
	}
	return &item, nil
}

// ListQueueItems returns items in claim order. Empty status means all.
func (s *Store) ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]QueueItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	query := `
		SELECT id, payload, status, attempts, max_attempts, next_attempt_at,
			last_error, run_id, created_at, updated_at
		FROM queue_items`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY next_attempt_at ASC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(
			&item.ID, &item.Payload, &item.Status, &item.Attempts, &item.MaxAttempts,
			&item.NextAttemptAt, &item.LastError, &item.RunID, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue rows: %w", err)
	}
	return out, nil
}

// QueueDepth reports pending and running counts for the ops surface.
func (s *Store) QueueDepth(ctx context.Context) (pending, running int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1) FROM queue_items WHERE status IN (?, ?) GROUP BY status;
	`, QueueStatusPending, QueueStatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("scan queue count: %w", err)
		}
		switch status {
		case QueueStatusPending:
			pending = n
		case QueueStatusRunning:
			running = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("queue count rows: %w", err)
	}
	return pending, running, nil
}
