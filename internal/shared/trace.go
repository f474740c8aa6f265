package shared

import (
	"context"

	"github.com/google/uuid"
)

// Typed context keys for the ids that travel with a unit of work.
type (
	traceKey struct{}
	laneKey  struct{}
	runKey   struct{}
	jobKey   struct{}
)

// DefaultLane is the lane used when a caller does not name one.
const DefaultLane = "main"

// ctxString reads a string value off the context, "" when absent.
func ctxString(ctx context.Context, key any) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace_id from context. Returns "-" if absent so log
// fields always carry a value.
func TraceID(ctx context.Context) string {
	if v := ctxString(ctx, traceKey{}); v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string { return uuid.NewString() }

// WithLane attaches a lane id to the context.
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// Lane extracts the lane id from context, "" if absent.
func Lane(ctx context.Context) string { return ctxString(ctx, laneKey{}) }

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID extracts the run_id from context, "" if absent.
func RunID(ctx context.Context) string { return ctxString(ctx, runKey{}) }

// NewRunID generates a new run_id.
func NewRunID() string { return uuid.NewString() }

// WithJobID attaches a scheduled-job id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobKey{}, jobID)
}

// JobID extracts the scheduled-job id from context, "" if absent.
func JobID(ctx context.Context) string { return ctxString(ctx, jobKey{}) }
