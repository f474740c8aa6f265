package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/lane"
	otelPkg "github.com/satchel/squire/internal/otel"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

// drainGrace bounds how long Stop waits for an in-flight item to settle.
const drainGrace = 10 * time.Second

// Handler processes one claimed item. A nil error marks the item completed
// with the returned run id; any error sends it through the retry policy.
type Handler interface {
	Handle(ctx context.Context, item store.QueueItem) (runID string, err error)
}

// LaneDispatcher is the default handler: it decodes the payload, starts the
// run on its lane, and waits for settlement. A busy lane surfaces as an
// ordinary retryable error, so the item comes back around once the lane
// frees up.
type LaneDispatcher struct {
	lanes *lane.Manager
}

func NewLaneDispatcher(lanes *lane.Manager) *LaneDispatcher {
	return &LaneDispatcher{lanes: lanes}
}

func (d *LaneDispatcher) Handle(ctx context.Context, item store.QueueItem) (string, error) {
	p, err := DecodePayload(item.Payload)
	if err != nil {
		return "", err
	}
	h, err := d.lanes.StartRun(ctx, lane.StartRequest{
		Lane:     p.Lane,
		Executor: p.Executor,
		Model:    p.Model,
		Query:    p.Query,
		CWD:      p.CWD,
		Timeout:  time.Duration(p.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return "", err
	}
	out, err := h.Wait(ctx)
	if err != nil {
		return "", err
	}
	if out.Status == store.RunStatusCompleted && out.ExitCode == 0 {
		return out.RunID, nil
	}
	msg := out.Err
	if msg == "" {
		msg = fmt.Sprintf("run exited with code %d", out.ExitCode)
	}
	return out.RunID, errors.New(msg)
}

// Worker drains the queue: claim one item, run it to settlement, settle the
// row, claim again. It backs off to the poll interval only when the queue is
// empty or the lane rejected the item.
type Worker struct {
	store   *store.Store
	handler Handler
	cfg     config.QueueConfig
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(st *store.Store, h Handler, cfg config.QueueConfig, opts Options) *Worker {
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBaseSeconds <= 0 {
		cfg.BackoffBaseSeconds = 30
	}
	if cfg.BackoffCapSeconds < cfg.BackoffBaseSeconds {
		cfg.BackoffCapSeconds = cfg.BackoffBaseSeconds
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Worker{
		store:   st,
		handler: h,
		cfg:     cfg,
		bus:     opts.Bus,
		tracer:  tracer,
		metrics: opts.Metrics,
	}
}

// Start launches the poll loop. Repeat calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
		slog.Info("queue worker started",
			"poll_interval", time.Duration(w.cfg.PollIntervalSeconds)*time.Second)
	})
}

// Stop flags the loop before its next poll and waits for an in-flight item to
// settle. The wait is bounded: a run that outlives the grace keeps its item
// in running state, and the startup sweep requeues it without charging an
// attempt.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("queue worker stopped")
	case <-time.After(drainGrace):
		slog.Warn("queue worker stop timed out with an item in flight", "grace", drainGrace)
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := w.store.DequeueNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("queue claim failed", "error", err)
		}
		if err != nil || item == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		w.process(*item)
	}
}

// process carries one claimed item to its outcome. It deliberately does not
// use the loop context: once claimed, an item settles even while the worker
// is stopping.
func (w *Worker) process(item store.QueueItem) {
	ctx := shared.WithTraceID(context.Background(), shared.NewTraceID())
	ctx, span := otelPkg.StartSpan(ctx, w.tracer, "queue.process",
		otelPkg.AttrItemID.Int64(item.ID))
	defer span.End()

	slog.Info("queue item claimed",
		"item_id", item.ID, "attempts", item.Attempts, "trace_id", shared.TraceID(ctx))
	if w.metrics != nil {
		w.metrics.QueueClaims.Add(ctx, 1)
	}

	runID, err := w.handler.Handle(ctx, item)
	if err == nil {
		span.SetAttributes(otelPkg.AttrRunID.String(runID))
		if cerr := w.store.CompleteQueueItem(ctx, item.ID, runID); cerr != nil {
			slog.Error("queue item completion not persisted", "item_id", item.ID, "error", cerr)
			return
		}
		slog.Info("queue item completed", "item_id", item.ID, "run_id", runID)
		w.publish(bus.TopicQueueComplete, bus.QueueEvent{
			ItemID:   item.ID,
			Attempts: item.Attempts + 1,
			Status:   string(store.QueueStatusCompleted),
		})
		return
	}

	attempt := item.Attempts + 1
	delay := Backoff(
		time.Duration(w.cfg.BackoffBaseSeconds)*time.Second,
		time.Duration(w.cfg.BackoffCapSeconds)*time.Second,
		item.ID, attempt)
	retried, ferr := w.store.FailQueueItem(ctx, item.ID, err.Error(), delay)
	if ferr != nil {
		slog.Error("queue item failure not persisted", "item_id", item.ID, "error", ferr)
		return
	}
	if retried {
		slog.Warn("queue item failed, will retry",
			"item_id", item.ID, "attempt", attempt, "retry_in", delay, "error", err)
		if w.metrics != nil {
			w.metrics.QueueRetries.Add(ctx, 1)
		}
		w.publish(bus.TopicQueueRetrying, bus.QueueEvent{
			ItemID:   item.ID,
			Attempts: attempt,
			Status:   string(store.QueueStatusPending),
			Error:    err.Error(),
		})
		return
	}
	slog.Error("queue item failed terminally",
		"item_id", item.ID, "attempts", attempt, "error", err)
	w.publish(bus.TopicQueueFailed, bus.QueueEvent{
		ItemID:   item.ID,
		Attempts: attempt,
		Status:   string(store.QueueStatusFailed),
		Error:    err.Error(),
	})
}

func (w *Worker) publish(topic string, ev bus.QueueEvent) {
	if w.bus != nil {
		w.bus.Publish(topic, ev)
	}
}
