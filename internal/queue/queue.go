// Package queue turns enqueued task payloads into lane runs in the
// background. Items are durable store rows; the worker claims them one at a
// time, drives the run through the lane manager, and applies the retry policy
// when an attempt fails. Claim atomicity and ordering live in the store; this
// package owns the policy around the claim.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/config"
	otelPkg "github.com/satchel/squire/internal/otel"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

// TaskPayload is the JSON body of a queue item: everything needed to start
// the run once the item is claimed. Executor, model, cwd and timeout are
// optional and fall back through the usual lane resolution.
type TaskPayload struct {
	Lane           string `json:"lane"`
	Query          string `json:"query"`
	Executor       string `json:"executor,omitempty"`
	Model          string `json:"model,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DecodePayload parses the stored payload of a queue item.
func DecodePayload(raw string) (TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TaskPayload{}, fmt.Errorf("decode queue payload: %w", err)
	}
	return p, nil
}

// Options carries the optional observability wiring shared by the intake
// manager and the worker.
type Options struct {
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Manager is the intake side of the queue. It validates and encodes payloads
// and inserts them as pending items; the worker picks them up on its next
// poll, so Enqueue never blocks on lane availability.
type Manager struct {
	store *store.Store
	cfg   config.QueueConfig
	bus   *bus.Bus
}

func NewManager(st *store.Store, cfg config.QueueConfig, opts Options) *Manager {
	return &Manager{store: st, cfg: cfg, bus: opts.Bus}
}

// Enqueue inserts a pending item for the payload and returns its id.
func (m *Manager) Enqueue(ctx context.Context, p TaskPayload) (int64, error) {
	if strings.TrimSpace(p.Query) == "" {
		return 0, fmt.Errorf("enqueue: query is required")
	}
	if strings.TrimSpace(p.Lane) == "" {
		p.Lane = shared.DefaultLane
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("encode queue payload: %w", err)
	}
	id, err := m.store.Enqueue(ctx, string(data), m.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	slog.Info("queue item enqueued", "item_id", id, "lane", p.Lane, "trace_id", shared.TraceID(ctx))
	if m.bus != nil {
		m.bus.Publish(bus.TopicQueueEnqueued, bus.QueueEvent{
			ItemID: id,
			Status: string(store.QueueStatusPending),
		})
	}
	return id, nil
}

// Backoff returns the delay before retry number attempt of the given item.
// The step doubles per attempt from base up to limit, plus deterministic
// jitter of up to half the step derived from the item id, so retries for
// distinct items spread out without making tests nondeterministic. The
// resulting sequence never decreases and never exceeds limit.
func Backoff(base, limit time.Duration, id int64, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if limit < base {
		limit = base
	}
	if attempt < 1 {
		attempt = 1
	}
	step := base
	for i := 1; i < attempt && step < limit; i++ {
		step *= 2
	}
	if step > limit {
		step = limit
	}
	jitterMax := step / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d", id, attempt)
	delay := step + time.Duration(h.Sum64()%uint64(jitterMax))
	if delay > limit {
		delay = limit
	}
	return delay
}
