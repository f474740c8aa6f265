package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/lane"
	otelPkg "github.com/satchel/squire/internal/otel"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

// stopGrace bounds how long Stop waits for outcome bookkeeping of runs that
// were fired but have not settled yet.
const stopGrace = 5 * time.Second

// JobNotification summarizes one job trigger outcome for delivery to a
// notification channel.
type JobNotification struct {
	JobID    string
	JobName  string
	Lane     string
	RunID    string
	Success  bool
	ExitCode int
	Error    string
	Output   string
	Duration time.Duration
}

// Notifier delivers job outcome notifications. Implementations live in the
// channels package; nil disables notifications.
type Notifier interface {
	NotifyJobResult(ctx context.Context, n JobNotification) error
}

// Config holds the dependencies for the job scheduler.
type Config struct {
	Store    *store.Store
	Lanes    *lane.Manager
	Notifier Notifier
	Bus      *bus.Bus
	Metrics  *otelPkg.Metrics
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks on a fixed interval, fires due jobs through the lane
// manager, and maintains their history. A busy lane makes the trigger a
// skip, never a failure.
type Scheduler struct {
	store    *store.Store
	lanes    *lane.Manager
	notifier Notifier
	bus      *bus.Bus
	metrics  *otelPkg.Metrics
	interval time.Duration

	cancel context.CancelFunc
	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	return &Scheduler{
		store:    cfg.Store,
		lanes:    cfg.Lanes,
		notifier: cfg.Notifier,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		interval: interval,
	}
}

// SyncJobs writes the jobs.yaml definitions into the store and disables
// every job the file no longer names. A definition with an invalid cron
// expression is rejected with a log line; the rest still sync.
func (s *Scheduler) SyncJobs(ctx context.Context, defs []config.JobDef) error {
	keep := make([]string, 0, len(defs))
	for _, d := range defs {
		if err := ParseExpr(d.Cron); err != nil {
			slog.Error("job rejected: invalid cron expression", "job_id", d.ID, "cron", d.Cron, "error", err)
			continue
		}
		rec := store.JobRecord{
			ID:              d.ID,
			Name:            d.Name,
			Cron:            d.Cron,
			Lane:            d.Lane,
			Query:           d.Query,
			Executor:        d.Executor,
			Model:           d.Model,
			Enabled:         d.IsEnabled(),
			TimeoutSeconds:  d.TimeoutSeconds,
			NotifyOnSuccess: d.NotifyOnSuccess,
			NotifyOnFailure: d.NotifyOnFailure,
			ContextFiles:    d.ContextFiles,
		}
		if err := s.store.UpsertJob(ctx, rec); err != nil {
			return fmt.Errorf("sync job %q: %w", d.ID, err)
		}
		keep = append(keep, d.ID)
	}

	disabled, err := s.store.DisableJobsExcept(ctx, keep)
	if err != nil {
		return fmt.Errorf("disable removed jobs: %w", err)
	}
	if disabled > 0 {
		slog.Info("jobs disabled after sync", "count", disabled)
	}
	return s.scheduleNew(ctx)
}

// Reload re-reads the jobs file and syncs it. Called on fsnotify events; a
// broken file leaves the previously synced jobs in place.
func (s *Scheduler) Reload(ctx context.Context, path string) error {
	defs, err := config.LoadJobs(path)
	if err != nil {
		return err
	}
	if err := s.SyncJobs(ctx, defs); err != nil {
		return err
	}
	slog.Info("jobs reloaded", "path", path, "count", len(defs))
	return nil
}

// scheduleNew computes next_run_at for enabled jobs that lack one: new jobs
// and jobs whose cron expression changed.
func (s *Scheduler) scheduleNew(ctx context.Context) error {
	jobs, err := s.store.JobsNeedingSchedule(ctx)
	if err != nil {
		return fmt.Errorf("load unscheduled jobs: %w", err)
	}
	now := time.Now()
	for _, j := range jobs {
		next, err := NextTime(j.Cron, now)
		if err != nil {
			slog.Error("job has invalid cron expression", "job_id", j.ID, "cron", j.Cron, "error", err)
			continue
		}
		if err := s.store.SetJobNextRun(ctx, j.ID, next); err != nil {
			return fmt.Errorf("schedule job %q: %w", j.ID, err)
		}
		slog.Info("job scheduled", "job_id", j.ID, "next_run_at", next)
	}
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.loopWG.Add(1)
	go s.loop(ctx)
	slog.Info("job scheduler started", "interval", s.interval)
}

// Stop halts future ticks without aborting in-flight runs, then waits
// briefly for their bookkeeping to land.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("job scheduler stopped")
	case <-time.After(stopGrace):
		slog.Warn("job scheduler stopped with outcomes still pending", "grace", stopGrace)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire overdue jobs immediately on startup, then on each tick.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick loads jobs due at the given instant and dispatches each one. The
// clock is a parameter so tests drive the scheduler without sleeping.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueJobs(ctx, now)
	if err != nil {
		slog.Error("query due jobs failed", "error", err)
		return
	}
	for _, job := range due {
		s.dispatch(ctx, job, now)
	}
}

// dispatch advances the job's schedule, then fires it. Advancing first makes
// a trigger at-most-once per due instant even if firing stalls or crashes.
func (s *Scheduler) dispatch(ctx context.Context, job store.JobRecord, now time.Time) {
	next, err := NextTime(job.Cron, now)
	if err != nil {
		slog.Error("job has invalid cron expression", "job_id", job.ID, "cron", job.Cron, "error", err)
		return
	}
	if err := s.store.SetJobNextRun(ctx, job.ID, next); err != nil {
		slog.Error("advance job schedule failed", "job_id", job.ID, "error", err)
	}

	_, err = s.fire(ctx, job, now)
	if errors.Is(err, lane.ErrAlreadyRunning) {
		// Busy lane: skip this instant. Not a failure, so the streak and
		// history stay untouched.
		slog.Info("job skipped: lane busy", "job_id", job.ID, "lane", job.Lane, "next_run_at", next)
		if s.metrics != nil {
			s.metrics.JobsSkipped.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrJobID.String(job.ID)))
		}
		s.publish(bus.TopicJobSkipped, bus.JobEvent{JobID: job.ID, Name: job.Name, Lane: job.Lane, Skipped: true})
		return
	}
	if err != nil {
		// Intake failures (unknown executor, store trouble) are real failed
		// attempts, unlike a busy skip.
		slog.Error("job failed to start", "job_id", job.ID, "lane", job.Lane, "error", err)
		s.recordOutcome(job, now, lane.Outcome{
			Lane:     job.Lane,
			Status:   store.RunStatusFailed,
			ExitCode: -1,
			Err:      err.Error(),
		})
	}
}

// RunJobNow triggers a job outside its schedule. The busy-lane and
// bookkeeping rules are the same as for a scheduled fire; the job's
// next_run_at is left alone.
func (s *Scheduler) RunJobNow(ctx context.Context, id string) (*lane.Handle, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", id, err)
	}
	return s.fire(ctx, *job, time.Now())
}

// fire starts the job's run and registers a goroutine that waits for
// settlement and records the outcome.
func (s *Scheduler) fire(ctx context.Context, job store.JobRecord, firedAt time.Time) (*lane.Handle, error) {
	// The job id travels on the context so the run's log lines can name
	// their trigger.
	ctx = shared.WithJobID(ctx, job.ID)
	h, err := s.lanes.StartRun(ctx, lane.StartRequest{
		Lane:        job.Lane,
		Executor:    job.Executor,
		Model:       job.Model,
		Query:       job.Query,
		Timeout:     time.Duration(job.TimeoutSeconds) * time.Second,
		Attachments: attachmentsFromFiles(job.ContextFiles),
	})
	if err != nil {
		return nil, err
	}

	slog.Info("job fired", "job_id", job.ID, "lane", job.Lane, "run_id", h.RunID)
	if s.metrics != nil {
		s.metrics.JobsFired.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrJobID.String(job.ID)))
	}
	s.publish(bus.TopicJobFired, bus.JobEvent{JobID: job.ID, Name: job.Name, Lane: job.Lane, RunID: h.RunID})

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		// The run outlives scheduler shutdown; its own timeout bounds it.
		out, err := h.Wait(context.Background())
		if err != nil {
			return
		}
		s.recordOutcome(job, firedAt, out)
	}()
	return h, nil
}

// recordOutcome applies post-run bookkeeping: last_run_at always moves, the
// success timestamp and failure streak only change per the outcome, and a
// JobRun history row is appended. Uses its own context so bookkeeping of a
// late-settling run still lands after the scheduler loop has stopped.
func (s *Scheduler) recordOutcome(job store.JobRecord, firedAt time.Time, out lane.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	success := out.Status == store.RunStatusCompleted && out.ExitCode == 0
	if err := s.store.UpdateJobAfterRun(ctx, job.ID, firedAt, success); err != nil {
		slog.Error("update job after run failed", "job_id", job.ID, "error", err)
	}

	completedAt := time.Now().UTC()
	exitCode := out.ExitCode
	if _, err := s.store.AppendJobRun(ctx, store.JobRun{
		JobID:       job.ID,
		RunID:       out.RunID,
		StartedAt:   firedAt,
		CompletedAt: &completedAt,
		Success:     success,
		ExitCode:    &exitCode,
		Error:       out.Err,
	}); err != nil {
		slog.Error("append job run failed", "job_id", job.ID, "error", err)
	}

	slog.Info("job settled", "job_id", job.ID, "run_id", out.RunID, "success", success, "exit_code", out.ExitCode)

	topic := bus.TopicJobCompleted
	if !success {
		topic = bus.TopicJobFailed
	}
	s.publish(topic, bus.JobEvent{JobID: job.ID, Name: job.Name, Lane: job.Lane, RunID: out.RunID, Success: success})

	s.notify(ctx, job, out, success)
}

func (s *Scheduler) notify(ctx context.Context, job store.JobRecord, out lane.Outcome, success bool) {
	if s.notifier == nil {
		return
	}
	if success && !job.NotifyOnSuccess {
		return
	}
	if !success && !job.NotifyOnFailure {
		return
	}
	err := s.notifier.NotifyJobResult(ctx, JobNotification{
		JobID:    job.ID,
		JobName:  job.Name,
		Lane:     job.Lane,
		RunID:    out.RunID,
		Success:  success,
		ExitCode: out.ExitCode,
		Error:    out.Err,
		Output:   out.Output,
		Duration: out.Duration,
	})
	if err != nil {
		slog.Error("job notification failed", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func attachmentsFromFiles(files []string) []lane.Attachment {
	if len(files) == 0 {
		return nil
	}
	atts := make([]lane.Attachment, 0, len(files))
	for _, f := range files {
		atts = append(atts, lane.Attachment{Name: filepath.Base(f), Path: f})
	}
	return atts
}
