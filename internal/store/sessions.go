package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionState carries an executor's conversational context for one lane
// across runs: which backend and model the lane is bound to, and the
// executor-specific continuation token that resumes the conversation.
type SessionState struct {
	Lane              string    `json:"lane"`
	Executor          string    `json:"executor"`
	Model             string    `json:"model,omitempty"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
	MessageCount      int       `json:"message_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GetSessionState returns the lane's session state, or nil when the lane has
// never completed a run.
func (s *Store) GetSessionState(ctx context.Context, lane string) (*SessionState, error) {
	var st SessionState
	err := s.db.QueryRowContext(ctx, `
		SELECT lane, executor, model, continuation_token, message_count, updated_at
		FROM executor_sessions
		WHERE lane = ?;
	`, lane).Scan(&st.Lane, &st.Executor, &st.Model, &st.ContinuationToken, &st.MessageCount, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select session state: %w", err)
	}
	return &st, nil
}

// UpdateSessionAfterRun upserts the lane's session state after a completed
// run: the executor/model/token that actually served the run, plus the number
// of new transcript messages added (query + reply).
func (s *Store) UpdateSessionAfterRun(ctx context.Context, lane, executor, model, continuationToken string, messageDelta int) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executor_sessions (lane, executor, model, continuation_token, message_count, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(lane) DO UPDATE SET
				executor = excluded.executor,
				model = excluded.model,
				continuation_token = excluded.continuation_token,
				message_count = executor_sessions.message_count + ?,
				updated_at = CURRENT_TIMESTAMP;
		`, lane, executor, model, continuationToken, messageDelta, messageDelta)
		if err != nil {
			return fmt.Errorf("upsert session state: %w", err)
		}
		return nil
	})
}

// ResetSession drops the lane's session state and transcript, starting the
// conversation over. Run history is kept.
func (s *Store) ResetSession(ctx context.Context, lane string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM executor_sessions WHERE lane = ?;`, lane); err != nil {
			return fmt.Errorf("delete session state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE lane = ?;`, lane); err != nil {
			return fmt.Errorf("delete transcript: %w", err)
		}
		return tx.Commit()
	})
}

// TranscriptMessage is one exchange entry in a lane's conversation log.
type TranscriptMessage struct {
	ID        int64     `json:"id"`
	Lane      string    `json:"lane"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendTranscript records one message in the lane's conversation log.
func (s *Store) AppendTranscript(ctx context.Context, lane, runID, role, content string) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "user", "assistant":
	default:
		return fmt.Errorf("invalid transcript role %q", role)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transcripts (lane, run_id, role, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, lane, runID, role, content)
		if err != nil {
			return fmt.Errorf("insert transcript message: %w", err)
		}
		return nil
	})
}

// ListTranscript returns the lane's most recent messages, oldest first.
func (s *Store) ListTranscript(ctx context.Context, lane string, limit int) ([]TranscriptMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lane, run_id, role, content, created_at
		FROM (
			SELECT id, lane, run_id, role, content, created_at
			FROM transcripts
			WHERE lane = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC;
	`, lane, limit)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptMessage
	for rows.Next() {
		var m TranscriptMessage
		if err := rows.Scan(&m.ID, &m.Lane, &m.RunID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript rows: %w", err)
	}
	return out, nil
}
