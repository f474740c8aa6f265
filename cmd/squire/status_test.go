package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestRunStatusCommand_BadArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"healthy": true, "db_ok": true, "version": "test", "active_runs": 0,
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_JSONFlag(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"healthy":true,"db_ok":true,"version":"test","active_runs":0}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false,"db_ok":false,"version":"test","active_runs":0}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	code := runStatusCommand(context.Background(), nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790")

	code := runStatusCommand(ctx, nil)
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestRunStatusCommand_WatchFallsBackWithoutTTY(t *testing.T) {
	// Under go test stdout is not a terminal, so --watch degrades to the
	// one-shot view instead of launching the dashboard.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"healthy": true, "db_ok": true, "version": "test", "active_runs": 0,
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runStatusCommand(context.Background(), []string{"--watch"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestGatewayBaseURL(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{name: "empty defaults", addr: "", want: "http://127.0.0.1:18790"},
		{name: "host port", addr: "127.0.0.1:9000", want: "http://127.0.0.1:9000"},
		{name: "http passthrough", addr: "http://buddy.local:9000/", want: "http://buddy.local:9000"},
		{name: "https passthrough", addr: "https://buddy.local", want: "https://buddy.local"},
		{name: "ipv6", addr: "[::1]:18790", want: "http://[::1]:18790"},
		{name: "whitespace", addr: "  127.0.0.1:18790  ", want: "http://127.0.0.1:18790"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gatewayBaseURL(tt.addr); got != tt.want {
				t.Fatalf("gatewayBaseURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestFetchSnapshot_AssemblesDashboardData(t *testing.T) {
	now := time.Now().UTC()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			json.NewEncoder(w).Encode(map[string]any{
				"healthy": true, "db_ok": true, "version": "test", "active_runs": 1,
			})
		case "/api/runs":
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("missing bearer token, got %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{"runs": []map[string]any{
				{"id": "run-1", "lane": "main", "executor": "cli", "status": "running", "created_at": now},
			}})
		case "/api/jobs":
			json.NewEncoder(w).Encode(map[string]any{"jobs": []map[string]any{
				{"id": "digest", "name": "Digest", "enabled": true, "consecutive_failures": 2},
			}})
		case "/api/queue":
			json.NewEncoder(w).Encode(map[string]any{"items": []any{}, "pending": 3, "running": 1})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	snap := fetchSnapshot(context.Background(), ts.URL, "tok")
	if snap.Err != "" {
		t.Fatalf("unexpected snapshot error: %s", snap.Err)
	}
	if !snap.Healthy || snap.Version != "test" {
		t.Fatalf("health fields wrong: %+v", snap)
	}
	if len(snap.Runs) != 1 || snap.Runs[0].RunID != "run-1" || snap.Runs[0].Status != "running" {
		t.Fatalf("runs wrong: %+v", snap.Runs)
	}
	if len(snap.Jobs) != 1 || snap.Jobs[0].ID != "digest" || snap.Jobs[0].Failures != 2 {
		t.Fatalf("jobs wrong: %+v", snap.Jobs)
	}
	if snap.QueuePending != 3 || snap.QueueRunning != 1 {
		t.Fatalf("queue wrong: pending=%d running=%d", snap.QueuePending, snap.QueueRunning)
	}
}

func TestFetchSnapshot_DaemonDown(t *testing.T) {
	snap := fetchSnapshot(context.Background(), "http://127.0.0.1:1", "")
	if snap.Err == "" {
		t.Fatal("expected error for unreachable daemon")
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets SQUIRE_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SQUIRE_HOME", home)
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}
