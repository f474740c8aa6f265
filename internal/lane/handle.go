package lane

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/satchel/squire/internal/store"
)

// Handle states. Transitions are one-way: running -> cancelling -> settled,
// or running -> settled when the executor wins. The CAS on this field is the
// single ordering point for the cancel/settle race, so "cancel wins" is a
// property of the state machine rather than of goroutine timing.
const (
	stateRunning int32 = iota + 1
	stateCancelling
	stateSettled
)

// Outcome is the final, immutable result of a run.
type Outcome struct {
	RunID    string          `json:"run_id"`
	Lane     string          `json:"lane"`
	Status   store.RunStatus `json:"status"`
	ExitCode int             `json:"exit_code"`
	Output   string          `json:"output,omitempty"`
	Err      string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Handle tracks one in-flight run. It is registered under its lane for the
// run's whole lifetime and released unconditionally at settlement.
type Handle struct {
	RunID     string
	Lane      string
	Executor  string
	Model     string
	Query     string
	StartedAt time.Time

	state        atomic.Int32
	cancelReason atomic.Pointer[string]
	cancel       context.CancelFunc
	timeout      *time.Timer

	done    chan struct{}
	outcome Outcome
}

func newHandle(runID, laneID, executorName, model, query string, cancel context.CancelFunc) *Handle {
	h := &Handle{
		RunID:     runID,
		Lane:      laneID,
		Executor:  executorName,
		Model:     model,
		Query:     query,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	h.state.Store(stateRunning)
	return h
}

// requestCancel flips the run into cancelling and fires the run context's
// cancel. Returns true when the run is (now or already) cancelling, false
// when it has already settled. The reason is pinned before the state flip so
// a settling goroutine can never observe cancelling without a reason.
func (h *Handle) requestCancel(reason string) bool {
	h.cancelReason.CompareAndSwap(nil, &reason)
	if h.state.CompareAndSwap(stateRunning, stateCancelling) {
		h.cancel()
		return true
	}
	return h.state.Load() == stateCancelling
}

// claimSettlement marks the run settled. Returns true when the executor's
// outcome stands, false when a cancellation won the race.
func (h *Handle) claimSettlement() bool {
	if h.state.CompareAndSwap(stateRunning, stateSettled) {
		return true
	}
	h.state.Store(stateSettled)
	return false
}

// CancelReason returns the recorded cancel reason, or "".
func (h *Handle) CancelReason() string {
	if p := h.cancelReason.Load(); p != nil {
		return *p
	}
	return ""
}

// Cancelling reports whether a cancel has been requested and the run has
// not yet settled.
func (h *Handle) Cancelling() bool {
	return h.state.Load() == stateCancelling
}

// Done is closed once the run has settled and its Outcome is readable.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the final result; ok is false until settlement.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the run settles or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// finish records the outcome and wakes waiters. Called exactly once, after
// the handle has been released from the active table.
func (h *Handle) finish(out Outcome) {
	h.outcome = out
	close(h.done)
}
