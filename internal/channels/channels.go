// Package channels delivers job outcome notifications to the outside world.
// Every notifier implements cron.Notifier; the daemon composes the configured
// ones with Multi and hands the result to the scheduler.
package channels

import (
	"context"
	"errors"
	"log/slog"

	"github.com/satchel/squire/internal/cron"
)

// LogNotifier reports job outcomes to the structured log. It is the fallback
// when no messaging channel is configured, so scheduled jobs always leave a
// visible trail.
type LogNotifier struct{}

func (LogNotifier) NotifyJobResult(_ context.Context, n cron.JobNotification) error {
	if n.Success {
		slog.Info("job succeeded",
			"job_id", n.JobID, "job_name", n.JobName, "lane", n.Lane,
			"run_id", n.RunID, "duration", n.Duration)
		return nil
	}
	slog.Warn("job failed",
		"job_id", n.JobID, "job_name", n.JobName, "lane", n.Lane,
		"run_id", n.RunID, "exit_code", n.ExitCode, "error", n.Error)
	return nil
}

// Multi fans one notification out to every notifier. All targets are
// attempted; errors are collected rather than short-circuiting, so one broken
// channel does not silence the others.
type Multi []cron.Notifier

func (m Multi) NotifyJobResult(ctx context.Context, n cron.JobNotification) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.NotifyJobResult(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
