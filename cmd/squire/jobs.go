package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/satchel/squire/internal/config"
)

func runJobsCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: squire jobs <list|run <id>>")
		return 2
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "list":
		return runJobsList(ctx, args[1:])
	case "run":
		return runJobsRun(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown jobs action %q\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: squire jobs <list|run <id>>")
		return 2
	}
}

func runJobsList(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: squire jobs list")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	var resp struct {
		Jobs []struct {
			ID                  string     `json:"id"`
			Name                string     `json:"name"`
			Cron                string     `json:"cron"`
			Lane                string     `json:"lane"`
			Enabled             bool       `json:"enabled"`
			NextRunAt           *time.Time `json:"next_run_at"`
			ConsecutiveFailures int        `json:"consecutive_failures"`
		} `json:"jobs"`
	}
	url := gatewayBaseURL(cfg.BindAddr) + "/api/jobs"
	if err := getJSON(ctx, url, readAuthToken(cfg.HomeDir), &resp); err != nil {
		fmt.Fprintf(os.Stderr, "jobs list: %v (is the daemon running?)\n", err)
		return 1
	}

	if len(resp.Jobs) == 0 {
		fmt.Printf("no jobs configured (add them to %s)\n", cfg.JobsFilePath())
		return 0
	}

	fmt.Printf("%-20s %-24s %-14s %-8s %-17s %s\n", "ID", "NAME", "CRON", "ENABLED", "NEXT RUN", "FAILURES")
	for _, j := range resp.Jobs {
		enabled := "yes"
		if !j.Enabled {
			enabled = "no"
		}
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s %-24s %-14s %-8s %-17s %d\n", j.ID, j.Name, j.Cron, enabled, next, j.ConsecutiveFailures)
	}
	return 0
}

func runJobsRun(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: squire jobs run <id>")
		return 2
	}
	jobID := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	baseURL := gatewayBaseURL(cfg.BindAddr)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(callCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + readAuthToken(cfg.HomeDir)}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v (is the daemon running?)\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "job.run",
		"params":  map[string]any{"id": jobID},
	}
	if err := wsjson.Write(callCtx, conn, req); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return 1
	}

	for {
		var resp struct {
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := wsjson.Read(callCtx, conn, &resp); err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return 1
		}
		// Bus notifications interleave with responses on the same socket.
		if resp.Method == "event" {
			continue
		}
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "job.run: %s (code %d)\n", resp.Error.Message, resp.Error.Code)
			return 1
		}

		var result struct {
			RunID string `json:"run_id"`
			Lane  string `json:"lane"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			fmt.Fprintf(os.Stderr, "decode: %v\n", err)
			return 1
		}
		fmt.Printf("job %s started: run %s on lane %s\n", jobID, result.RunID, result.Lane)
		return 0
	}
}
