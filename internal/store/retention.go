package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention pass.
type RetentionResult struct {
	PurgedRuns        int64 `json:"purged_runs"`
	PurgedTranscripts int64 `json:"purged_transcripts"`
	PurgedJobRuns     int64 `json:"purged_job_runs"`
	PurgedQueueItems  int64 `json:"purged_queue_items"`
}

// RunRetention deletes terminal records older than the configured windows.
// Non-terminal rows are never touched. Idempotent; a zero window keeps that
// category forever.
func (s *Store) RunRetention(ctx context.Context, runDays, jobRunDays, queueDays int) (RetentionResult, error) {
	var result RetentionResult

	if runDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -runDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM runs WHERE status IN (?, ?, ?) AND created_at < ?;
		`, RunStatusCompleted, RunStatusFailed, RunStatusCancelled, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge runs: %w", err)
		}
		result.PurgedRuns, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge transcripts: %w", err)
		}
		result.PurgedTranscripts, _ = res.RowsAffected()
	}

	if jobRunDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -jobRunDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge job runs: %w", err)
		}
		result.PurgedJobRuns, _ = res.RowsAffected()
	}

	if queueDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -queueDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM queue_items WHERE status IN (?, ?) AND created_at < ?;
		`, QueueStatusCompleted, QueueStatusFailed, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge queue items: %w", err)
		}
		result.PurgedQueueItems, _ = res.RowsAffected()
	}

	return result, nil
}
