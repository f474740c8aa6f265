// Package lane enforces the core exclusivity guarantee: at most one active
// run per lane. The Manager is the single choke point between logical run
// requests (gateway, scheduler, queue) and the executor backends, and the
// sole owner of the in-memory active-run table.
package lane

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/executor"
	otelPkg "github.com/satchel/squire/internal/otel"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

// persistTimeout bounds settlement writes so a wedged database cannot pin
// the worker goroutine forever.
const persistTimeout = 10 * time.Second

// StartRequest describes one run to start on a lane. Executor and Model are
// overrides; when empty they resolve from the lane's session state, then
// the lane defaults, then the global defaults.
type StartRequest struct {
	Lane        string
	Executor    string
	Model       string
	Query       string
	CWD         string
	Attachments []Attachment
	// Timeout bounds the run; 0 means the configured default. The timeout
	// cancels through the same path as CancelRun, so it settles as
	// cancelled with exit code 124.
	Timeout time.Duration
}

// Options carries the optional collaborators.
type Options struct {
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Manager owns the active-run table and drives executors.
type Manager struct {
	store    *store.Store
	registry *executor.Registry
	cfg      *config.Config
	bus      *bus.Bus
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics

	mu     sync.Mutex
	active map[string]*Handle

	wg       sync.WaitGroup
	draining atomic.Bool
}

func NewManager(st *store.Store, reg *executor.Registry, cfg *config.Config, opts Options) *Manager {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Manager{
		store:    st,
		registry: reg,
		cfg:      cfg,
		bus:      opts.Bus,
		tracer:   tracer,
		metrics:  opts.Metrics,
		active:   make(map[string]*Handle),
	}
}

// StartRun accepts a run for the lane or fails synchronously. A busy lane
// fails with ErrAlreadyRunning before any row is written; every other error
// path removes whatever it reserved. On acceptance the run row is persisted
// (pending, then running), the handle is registered, and the executor is
// invoked asynchronously.
func (m *Manager) StartRun(ctx context.Context, req StartRequest) (*Handle, error) {
	if m.draining.Load() {
		return nil, ErrDraining
	}

	laneID := strings.TrimSpace(req.Lane)
	if laneID == "" {
		laneID = shared.DefaultLane
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("start run on lane %q: empty query", laneID)
	}

	sess, err := m.store.GetSessionState(ctx, laneID)
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	executorName, model, token := m.resolve(laneID, req, sess)

	exec, err := m.registry.Get(executorName)
	if err != nil {
		return nil, err
	}

	cwd := strings.TrimSpace(req.CWD)
	if cwd == "" {
		cwd = m.cfg.LaneCWD(laneID)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(m.cfg.RunTimeoutSeconds) * time.Second
	}

	runID := shared.NewRunID()
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	jobID := shared.JobID(ctx)

	// The run outlives the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = shared.WithTraceID(runCtx, traceID)
	runCtx = shared.WithLane(runCtx, laneID)
	runCtx = shared.WithRunID(runCtx, runID)
	if jobID != "" {
		runCtx = shared.WithJobID(runCtx, jobID)
	}

	h := newHandle(runID, laneID, executorName, model, req.Query, cancel)

	// Reserving the handle under the lock is the exclusivity gate; every
	// competitor observes the lane busy from this instant.
	m.mu.Lock()
	if _, busy := m.active[laneID]; busy {
		m.mu.Unlock()
		cancel()
		if m.metrics != nil {
			m.metrics.RunsRejected.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrLane.String(laneID)))
		}
		return nil, fmt.Errorf("%w: lane %q", ErrAlreadyRunning, laneID)
	}
	m.active[laneID] = h
	m.mu.Unlock()

	if err := m.store.CreateRun(ctx, store.Run{
		ID:       runID,
		Lane:     laneID,
		Executor: executorName,
		Model:    model,
		Query:    req.Query,
	}); err != nil {
		m.release(laneID, h)
		cancel()
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := m.store.MarkRunRunning(ctx, runID); err != nil {
		// The pending row is left for the startup sweep.
		m.release(laneID, h)
		cancel()
		return nil, fmt.Errorf("mark run running: %w", err)
	}

	prompt := AssemblePrompt(PromptInput{
		SystemContext: m.cfg.LaneContext(laneID),
		Lane:          laneID,
		PriorMessages: messageCount(sess),
		Attachments:   req.Attachments,
		Query:         req.Query,
	})

	if timeout > 0 {
		h.timeout = time.AfterFunc(timeout, func() {
			if h.requestCancel("timeout") {
				slog.Warn("run timed out", "lane", laneID, "run_id", runID, "timeout", timeout)
			}
		})
	}

	m.wg.Add(1)
	go m.execute(runCtx, h, exec, executor.Request{
		Prompt:            prompt,
		CWD:               cwd,
		Model:             model,
		ContinuationToken: token,
	})

	startAttrs := []any{
		"lane", laneID, "run_id", runID, "executor", executorName,
		"model", model, "resume", token != "", "trace_id", traceID,
	}
	if jobID != "" {
		startAttrs = append(startAttrs, "job_id", jobID)
	}
	slog.Info("run started", startAttrs...)
	if m.metrics != nil {
		m.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(
			otelPkg.AttrLane.String(laneID), otelPkg.AttrExecutor.String(executorName)))
		m.metrics.ActiveRuns.Add(ctx, 1)
	}
	m.publish(bus.TopicRunStarted, bus.RunEvent{
		RunID: runID, Lane: laneID, Executor: executorName, Status: string(store.RunStatusRunning),
	})

	return h, nil
}

// CancelRun signals cancellation for the lane's active run. Returns false
// when the lane is idle, true when the run is now (or already) cancelling.
func (m *Manager) CancelRun(laneID, reason string) bool {
	m.mu.Lock()
	h, ok := m.active[laneID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if h.requestCancel(reason) {
		slog.Info("run cancel requested", "lane", laneID, "run_id", h.RunID, "reason", reason)
		return true
	}
	return false
}

// ActiveRun returns the lane's active handle, or nil.
func (m *Manager) ActiveRun(laneID string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[laneID]
}

// ActiveRuns returns all active handles, ordered by lane.
func (m *Manager) ActiveRuns() []*Handle {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Lane < handles[j].Lane })
	return handles
}

// Drain stops intake and waits for in-flight runs to settle, up to timeout.
// Runs still alive after the deadline keep running; their rows are swept to
// failed on the next startup.
func (m *Manager) Drain(timeout time.Duration) {
	m.draining.Store(true)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("lane manager drained cleanly")
	case <-time.After(timeout):
		slog.Warn("lane drain timeout; interrupted runs recover on next startup", "timeout", timeout)
	}
}

// resolve picks executor, model, and continuation token: explicit request
// override first, then the lane's session state, then lane/global defaults.
// The token is executor-specific and only survives when the resolved
// executor matches the one that minted it.
func (m *Manager) resolve(laneID string, req StartRequest, sess *store.SessionState) (executorName, model, token string) {
	executorName = strings.TrimSpace(req.Executor)
	if executorName == "" && sess != nil && sess.Executor != "" {
		executorName = sess.Executor
	}
	if executorName == "" {
		executorName = m.cfg.LaneExecutor(laneID)
	}

	model = strings.TrimSpace(req.Model)
	if model == "" && sess != nil && sess.Model != "" {
		model = sess.Model
	}
	if model == "" {
		model = m.cfg.LaneModel(laneID)
	}

	if sess != nil && sess.Executor == executorName {
		token = sess.ContinuationToken
	}
	return executorName, model, token
}

func (m *Manager) execute(ctx context.Context, h *Handle, exec executor.Executor, req executor.Request) {
	defer m.wg.Done()

	execCtx, span := otelPkg.StartClientSpan(ctx, m.tracer, "executor.execute",
		otelPkg.AttrLane.String(h.Lane),
		otelPkg.AttrRunID.String(h.RunID),
		otelPkg.AttrExecutor.String(h.Executor),
		otelPkg.AttrModel.String(h.Model),
	)

	res, execErr := exec.Execute(execCtx, req)

	out := m.settle(h, res, execErr)

	span.SetAttributes(otelPkg.AttrExitCode.Int(out.ExitCode))
	span.End()
}

// settle resolves the final status from the executor result and the cancel
// state, persists it, updates session continuity, and releases the handle.
// The release and wake-up are deferred so they happen even when persistence
// fails.
func (m *Manager) settle(h *Handle, res executor.Result, execErr error) Outcome {
	if h.timeout != nil {
		h.timeout.Stop()
	}

	out := Outcome{
		RunID:    h.RunID,
		Lane:     h.Lane,
		Duration: res.Duration,
	}
	defer func() {
		m.release(h.Lane, h)
		h.finish(out)
	}()

	var token string
	if h.claimSettlement() {
		switch {
		case execErr != nil:
			out.Status = store.RunStatusFailed
			out.ExitCode = executor.ExitCodeOf(execErr)
			out.Err = execErr.Error()
			out.Output = res.Output
		case res.ExitCode != 0:
			out.Status = store.RunStatusFailed
			out.ExitCode = res.ExitCode
			out.Output = res.Output
			out.Err = res.Stderr
			if out.Err == "" {
				out.Err = fmt.Sprintf("executor exited with code %d", res.ExitCode)
			}
		default:
			out.Status = store.RunStatusCompleted
			out.Output = res.Output
			token = res.ContinuationToken
		}
	} else {
		out.Status = store.RunStatusCancelled
		if h.CancelReason() == "timeout" {
			out.ExitCode = 124
			out.Err = "run timed out"
		} else {
			out.ExitCode = 130
			out.Err = "run cancelled"
			if r := h.CancelReason(); r != "" {
				out.Err = "run cancelled: " + r
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.store.CompleteRun(ctx, h.RunID, out.Status, out.ExitCode, out.Output, out.Err, token); err != nil {
		// Not fatal: the row is reconciled by the startup sweep.
		slog.Error("persist run completion failed",
			"lane", h.Lane, "run_id", h.RunID, "status", out.Status, "error", err)
	}

	if out.Status == store.RunStatusCompleted {
		m.recordContinuity(ctx, h, token, out.Output)
	}

	m.observeSettlement(ctx, h, out)
	return out
}

// recordContinuity updates session state and appends the exchange to the
// lane transcript. Only clean completions advance continuity; failed and
// cancelled runs leave the lane's conversational state untouched.
func (m *Manager) recordContinuity(ctx context.Context, h *Handle, token, output string) {
	delta := 1
	if output != "" {
		delta = 2
	}
	if err := m.store.UpdateSessionAfterRun(ctx, h.Lane, h.Executor, h.Model, token, delta); err != nil {
		slog.Error("update session state failed", "lane", h.Lane, "run_id", h.RunID, "error", err)
	}
	if err := m.store.AppendTranscript(ctx, h.Lane, h.RunID, "user", h.Query); err != nil {
		slog.Error("append transcript failed", "lane", h.Lane, "run_id", h.RunID, "role", "user", "error", err)
	}
	if output != "" {
		if err := m.store.AppendTranscript(ctx, h.Lane, h.RunID, "assistant", output); err != nil {
			slog.Error("append transcript failed", "lane", h.Lane, "run_id", h.RunID, "role", "assistant", "error", err)
		}
	}
}

func (m *Manager) observeSettlement(ctx context.Context, h *Handle, out Outcome) {
	slog.Info("run settled",
		"lane", h.Lane, "run_id", h.RunID, "status", out.Status,
		"exit_code", out.ExitCode, "duration_ms", out.Duration.Milliseconds())

	if m.metrics != nil {
		m.metrics.ActiveRuns.Add(ctx, -1)
		m.metrics.RunDuration.Record(ctx, out.Duration.Seconds(), metric.WithAttributes(
			otelPkg.AttrLane.String(h.Lane), otelPkg.AttrExecutor.String(h.Executor)))
		if out.Status == store.RunStatusCancelled {
			m.metrics.RunsCancelled.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrLane.String(h.Lane)))
		}
	}

	topic := bus.TopicRunCompleted
	switch out.Status {
	case store.RunStatusFailed:
		topic = bus.TopicRunFailed
	case store.RunStatusCancelled:
		topic = bus.TopicRunCancelled
	}
	m.publish(topic, bus.RunEvent{
		RunID:    h.RunID,
		Lane:     h.Lane,
		Executor: h.Executor,
		Status:   string(out.Status),
		ExitCode: out.ExitCode,
	})
}

// release removes the handle from the active table, identity-guarded so a
// stale settlement can never evict a successor run's handle.
func (m *Manager) release(laneID string, h *Handle) {
	m.mu.Lock()
	if cur, ok := m.active[laneID]; ok && cur == h {
		delete(m.active, laneID)
	}
	m.mu.Unlock()
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus != nil {
		m.bus.Publish(topic, payload)
	}
}

func messageCount(sess *store.SessionState) int {
	if sess == nil {
		return 0
	}
	return sess.MessageCount
}
