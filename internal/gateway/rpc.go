package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/satchel/squire/internal/executor"
	"github.com/satchel/squire/internal/lane"
	"github.com/satchel/squire/internal/queue"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

// JSON-RPC protocol errors plus the app taxonomy.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	ErrCodeInvalid     = 1000 // bad params, unknown ids
	ErrCodeBusy        = 4090 // lane already has a run in flight
	ErrCodeUnavailable = 5030 // daemon draining
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// errorFor maps collaborator failures onto the app error taxonomy.
func errorFor(err error) *rpcError {
	switch {
	case errors.Is(err, lane.ErrAlreadyRunning):
		return &rpcError{Code: ErrCodeBusy, Message: err.Error()}
	case errors.Is(err, lane.ErrDraining):
		return &rpcError{Code: ErrCodeUnavailable, Message: err.Error()}
	case errors.Is(err, executor.ErrNotFound):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	case errors.Is(err, sql.ErrNoRows):
		return &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
}

func (s *Server) handleRPC(ctx context.Context, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.status":
		result = s.systemStatus(ctx)

	case "run.start":
		var p struct {
			Lane           string `json:"lane"`
			Query          string `json:"query"`
			Executor       string `json:"executor"`
			Model          string `json:"model"`
			CWD            string `json:"cwd"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		traceCtx := shared.WithTraceID(ctx, shared.NewTraceID())
		h, err := s.cfg.Lanes.StartRun(traceCtx, lane.StartRequest{
			Lane:     p.Lane,
			Executor: p.Executor,
			Model:    p.Model,
			Query:    p.Query,
			CWD:      p.CWD,
			Timeout:  time.Duration(p.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			rpcErr = errorFor(err)
			break
		}
		slog.Info("ws: run started", "run_id", h.RunID, "lane", h.Lane)
		result = map[string]any{
			"run_id":   h.RunID,
			"lane":     h.Lane,
			"executor": h.Executor,
			"model":    h.Model,
		}

	case "run.cancel":
		var p struct {
			Lane   string `json:"lane"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Lane == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "lane is required"}
			break
		}
		reason := p.Reason
		if reason == "" {
			reason = "user"
		}
		result = map[string]any{"cancelled": s.cfg.Lanes.CancelRun(p.Lane, reason)}

	case "run.active":
		result = map[string]any{"runs": s.activeRuns()}

	case "run.list":
		var p struct {
			Lane  string `json:"lane"`
			Limit int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 100 {
			p.Limit = 20
		}
		runs, err := s.cfg.Store.ListRuns(ctx, p.Lane, p.Limit)
		if err != nil {
			rpcErr = errorFor(err)
			break
		}
		result = map[string]any{"runs": runs}

	case "job.list":
		jobs, err := s.cfg.Store.ListJobs(ctx)
		if err != nil {
			rpcErr = errorFor(err)
			break
		}
		result = map[string]any{"jobs": jobs}

	case "job.run":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "id is required"}
			break
		}
		if s.cfg.Scheduler == nil {
			rpcErr = &rpcError{Code: ErrCodeUnavailable, Message: "scheduler disabled"}
			break
		}
		h, err := s.cfg.Scheduler.RunJobNow(ctx, p.ID)
		if err != nil {
			rpcErr = errorFor(err)
			break
		}
		slog.Info("ws: job triggered", "job_id", p.ID, "run_id", h.RunID)
		result = map[string]any{"run_id": h.RunID, "lane": h.Lane}

	case "queue.enqueue":
		var p queue.TaskPayload
		if err := json.Unmarshal(req.Params, &p); err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
			break
		}
		if s.cfg.Queue == nil {
			rpcErr = &rpcError{Code: ErrCodeUnavailable, Message: "queue disabled"}
			break
		}
		itemID, err := s.cfg.Queue.Enqueue(ctx, p)
		if err != nil {
			rpcErr = &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
			break
		}
		result = map[string]any{"item_id": itemID}

	case "queue.list":
		var p struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
				break
			}
		}
		if p.Limit <= 0 || p.Limit > 100 {
			p.Limit = 20
		}
		items, err := s.cfg.Store.ListQueueItems(ctx, store.QueueStatus(p.Status), p.Limit)
		if err != nil {
			rpcErr = errorFor(err)
			break
		}
		result = map[string]any{"items": items}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) systemStatus(ctx context.Context) map[string]any {
	counts, countErr := s.cfg.Store.CountRuns(ctx)
	pending, running, _ := s.cfg.Store.QueueDepth(ctx)
	return map[string]any{
		"healthy":            countErr == nil,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"active_runs":        s.activeRuns(),
		"run_counts":         counts,
		"queue": map[string]int{
			"pending": pending,
			"running": running,
		},
		"bus_events_total": s.busPublished(),
	}
}
