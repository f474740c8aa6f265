package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/tui"
)

func runStatusCommand(ctx context.Context, args []string) int {
	jsonOut := false
	watch := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOut = true
		case "-watch", "--watch", "-w":
			watch = true
		default:
			fmt.Fprintln(os.Stderr, "usage: squire status [-json|--watch]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	baseURL := gatewayBaseURL(cfg.BindAddr)

	// The dashboard needs a TTY; a redirected stdout gets the one-shot view.
	if watch && isatty.IsTerminal(os.Stdout.Fd()) {
		return runStatusWatch(ctx, baseURL, readAuthToken(cfg.HomeDir))
	}
	return runStatusOnce(ctx, baseURL, jsonOut)
}

// gatewayBaseURL turns bind_addr into a base URL for the local gateway.
func gatewayBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	// Normalize IPv6 host:port if needed.
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func runStatusOnce(ctx context.Context, baseURL string, jsonOut bool) int {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if jsonOut {
		_, _ = os.Stdout.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = os.Stdout.Write([]byte("\n"))
		}
	} else {
		printHealthSummary(body)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func printHealthSummary(body []byte) {
	var h struct {
		Healthy    bool   `json:"healthy"`
		DBOK       bool   `json:"db_ok"`
		Version    string `json:"version"`
		ActiveRuns int    `json:"active_runs"`
	}
	if err := json.Unmarshal(body, &h); err != nil {
		// Unexpected payload; show it raw rather than hiding it.
		_, _ = os.Stdout.Write(body)
		_, _ = os.Stdout.Write([]byte("\n"))
		return
	}

	state := "healthy"
	if !h.Healthy {
		state = "degraded"
	}
	db := "ok"
	if !h.DBOK {
		db = "unavailable"
	}
	fmt.Printf("squire %s: %s\n", h.Version, state)
	fmt.Printf("  db: %s\n", db)
	fmt.Printf("  active runs: %d\n", h.ActiveRuns)
}

func runStatusWatch(ctx context.Context, baseURL, token string) int {
	provider := func() tui.Snapshot {
		return fetchSnapshot(ctx, baseURL, token)
	}
	if err := tui.Run(ctx, provider); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

// fetchSnapshot polls the gateway's REST surface and assembles one dashboard
// frame. Partial failures set Err but keep whatever data arrived.
func fetchSnapshot(ctx context.Context, baseURL, token string) tui.Snapshot {
	snap := tui.Snapshot{FetchedAt: time.Now()}

	var health struct {
		Healthy    bool   `json:"healthy"`
		Version    string `json:"version"`
		ActiveRuns int    `json:"active_runs"`
	}
	if err := getJSON(ctx, baseURL+"/healthz", "", &health); err != nil {
		snap.Err = err.Error()
		return snap
	}
	snap.Healthy = health.Healthy
	snap.Version = health.Version

	var runsResp struct {
		Runs []struct {
			ID        string     `json:"id"`
			Lane      string     `json:"lane"`
			Executor  string     `json:"executor"`
			Status    string     `json:"status"`
			StartedAt *time.Time `json:"started_at"`
			CreatedAt time.Time  `json:"created_at"`
		} `json:"runs"`
	}
	if err := getJSON(ctx, baseURL+"/api/runs?limit=10", token, &runsResp); err != nil {
		snap.Err = err.Error()
		return snap
	}
	for _, r := range runsResp.Runs {
		snap.Runs = append(snap.Runs, tui.RunRow{
			RunID:     r.ID,
			Lane:      r.Lane,
			Executor:  r.Executor,
			Status:    r.Status,
			StartedAt: r.StartedAt,
			CreatedAt: r.CreatedAt,
		})
	}

	var jobsResp struct {
		Jobs []struct {
			ID                  string     `json:"id"`
			Name                string     `json:"name"`
			Enabled             bool       `json:"enabled"`
			NextRunAt           *time.Time `json:"next_run_at"`
			ConsecutiveFailures int        `json:"consecutive_failures"`
		} `json:"jobs"`
	}
	if err := getJSON(ctx, baseURL+"/api/jobs", token, &jobsResp); err != nil {
		snap.Err = err.Error()
		return snap
	}
	for _, j := range jobsResp.Jobs {
		snap.Jobs = append(snap.Jobs, tui.JobRow{
			ID:        j.ID,
			Name:      j.Name,
			Enabled:   j.Enabled,
			NextRunAt: j.NextRunAt,
			Failures:  j.ConsecutiveFailures,
		})
	}

	var queueResp struct {
		Pending int `json:"pending"`
		Running int `json:"running"`
	}
	if err := getJSON(ctx, baseURL+"/api/queue?limit=1", token, &queueResp); err != nil {
		snap.Err = err.Error()
		return snap
	}
	snap.QueuePending = queueResp.Pending
	snap.QueueRunning = queueResp.Running

	return snap
}

func getJSON(ctx context.Context, url, token string, v any) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// /healthz serves 503 with a valid body when the store is degraded.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
