// Package gateway is the daemon's HTTP surface: health and metrics probes,
// read-only REST endpoints for the status views, and a JSON-RPC 2.0 websocket
// for operations. Every client on the websocket also receives bus events as
// notifications.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/cron"
	"github.com/satchel/squire/internal/lane"
	"github.com/satchel/squire/internal/queue"
	"github.com/satchel/squire/internal/store"
)

// Config wires the gateway to the daemon's collaborators.
type Config struct {
	Store     *store.Store
	Lanes     *lane.Manager
	Scheduler *cron.Scheduler
	Queue     *queue.Manager
	Bus       *bus.Bus

	// AuthToken guards everything except /healthz. Empty denies all requests.
	AuthToken string

	// AllowOrigins lists accepted Origin patterns for cross-origin browser
	// clients. Same-origin requests always pass.
	AllowOrigins []string

	// ConfigFingerprint is the active config hash exposed in system.status.
	ConfigFingerprint string

	Version string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

// client is one websocket connection. Writes are serialized through mu since
// responses and pushed events come from different goroutines.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/jobs", s.handleAPIJobs)
	mux.HandleFunc("/api/queue", s.handleAPIQueue)
	return s.corsMiddleware(mux)
}

// corsMiddleware reflects allowed origins for browser clients of the REST
// endpoints. The websocket handshake does its own origin check.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowOrigins))
	for _, o := range s.cfg.AllowOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize checks the Bearer token in constant time. An empty configured
// token denies everything.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountRuns(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"version":     s.cfg.Version,
		"active_runs": len(s.cfg.Lanes.ActiveRuns()),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	counts, _ := s.cfg.Store.CountRuns(ctx)
	pending, running, _ := s.cfg.Store.QueueDepth(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"runs_running":     counts.Running,
		"runs_completed":   counts.Completed,
		"runs_failed":      counts.Failed,
		"runs_cancelled":   counts.Cancelled,
		"active_lanes":     len(s.cfg.Lanes.ActiveRuns()),
		"queue_pending":    pending,
		"queue_running":    running,
		"bus_events_total": s.busPublished(),
		"alloc_bytes":      mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	counts, _ := s.cfg.Store.CountRuns(ctx)
	pending, running, _ := s.cfg.Store.QueueDepth(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP squire_runs_running Runs currently executing.\n")
	fmt.Fprintf(w, "# TYPE squire_runs_running gauge\n")
	fmt.Fprintf(w, "squire_runs_running %d\n", counts.Running)
	fmt.Fprintf(w, "# HELP squire_runs_completed_total Completed runs.\n")
	fmt.Fprintf(w, "# TYPE squire_runs_completed_total counter\n")
	fmt.Fprintf(w, "squire_runs_completed_total %d\n", counts.Completed)
	fmt.Fprintf(w, "# HELP squire_runs_failed_total Failed runs.\n")
	fmt.Fprintf(w, "# TYPE squire_runs_failed_total counter\n")
	fmt.Fprintf(w, "squire_runs_failed_total %d\n", counts.Failed)
	fmt.Fprintf(w, "# HELP squire_runs_cancelled_total Cancelled runs.\n")
	fmt.Fprintf(w, "# TYPE squire_runs_cancelled_total counter\n")
	fmt.Fprintf(w, "squire_runs_cancelled_total %d\n", counts.Cancelled)
	fmt.Fprintf(w, "# HELP squire_active_lanes Lanes with a run in flight.\n")
	fmt.Fprintf(w, "# TYPE squire_active_lanes gauge\n")
	fmt.Fprintf(w, "squire_active_lanes %d\n", len(s.cfg.Lanes.ActiveRuns()))
	fmt.Fprintf(w, "# HELP squire_queue_pending Queue items waiting for a claim.\n")
	fmt.Fprintf(w, "# TYPE squire_queue_pending gauge\n")
	fmt.Fprintf(w, "squire_queue_pending %d\n", pending)
	fmt.Fprintf(w, "# HELP squire_queue_running Queue items claimed and in flight.\n")
	fmt.Fprintf(w, "# TYPE squire_queue_running gauge\n")
	fmt.Fprintf(w, "squire_queue_running %d\n", running)
	fmt.Fprintf(w, "# HELP squire_bus_events_total Events published on the internal bus.\n")
	fmt.Fprintf(w, "# TYPE squire_bus_events_total counter\n")
	fmt.Fprintf(w, "squire_bus_events_total %d\n", s.busPublished())
	fmt.Fprintf(w, "# HELP squire_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE squire_alloc_bytes gauge\n")
	fmt.Fprintf(w, "squire_alloc_bytes %d\n", mem.Alloc)
}

func (s *Server) busPublished() int64 {
	if s.cfg.Bus == nil {
		return 0
	}
	return s.cfg.Bus.Published()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	slog.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		slog.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		slog.Debug("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response failed", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	// Start event push: everything on the bus reaches every client.
	if s.cfg.Bus != nil {
		c.busSub = s.cfg.Bus.Subscribe("")
		var ctx context.Context
		ctx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(ctx, c)
	}
}

func (s *Server) removeClient(c *client) {
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// forwardBusEvents pushes bus events to one client as JSON-RPC notifications.
func (s *Server) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params: map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				},
			})
			if err != nil {
				return
			}
		}
	}
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// activeRunView is the wire shape of one in-flight run.
type activeRunView struct {
	RunID      string    `json:"run_id"`
	Lane       string    `json:"lane"`
	Executor   string    `json:"executor"`
	Model      string    `json:"model,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Cancelling bool      `json:"cancelling"`
}

func (s *Server) activeRuns() []activeRunView {
	handles := s.cfg.Lanes.ActiveRuns()
	views := make([]activeRunView, 0, len(handles))
	for _, h := range handles {
		views = append(views, activeRunView{
			RunID:      h.RunID,
			Lane:       h.Lane,
			Executor:   h.Executor,
			Model:      h.Model,
			StartedAt:  h.StartedAt,
			Cancelling: h.Cancelling(),
		})
	}
	return views
}
