package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lastLogEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		t.Fatal("no log lines written")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "run_id", "run-1")

	entry := lastLogEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" || entry["trace_id"] != "-" {
		t.Fatalf("wrong root fields: %#v", entry)
	}
	if entry["run_id"] != "run-1" {
		t.Fatalf("run_id not propagated: %#v", entry["run_id"])
	}
}

func TestNewLogger_LevelFiltersBelowThreshold(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("should be dropped")
	logger.Warn("kept", "what", "this one")

	entry := lastLogEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("expected only the warn record, got %#v", entry)
	}
	raw, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if strings.Contains(string(raw), "should be dropped") {
		t.Fatal("info record written despite warn threshold")
	}
}

func TestRedactAttr_SensitiveKeyWins(t *testing.T) {
	got := redactAttr(nil, slog.String("auth_token", "f3a1c9d2-5b6e-4f70-9a21-91c0ffee0001"))
	if got.Value.String() != "[REDACTED]" {
		t.Fatalf("auth_token survived: %q", got.Value.String())
	}

	// Ordinary keys pass through untouched.
	plain := redactAttr(nil, slog.String("lane", "main"))
	if plain.Value.String() != "main" {
		t.Fatalf("lane mangled: %q", plain.Value.String())
	}
}

func TestRedactAttr_PatternScrubKeepsContext(t *testing.T) {
	in := "request failed: api_key=AbCdEfGh1234567890xyz status 401"
	got := redactAttr(nil, slog.String("error", in))
	s := got.Value.String()
	if strings.Contains(s, "AbCdEfGh1234567890xyz") {
		t.Fatalf("secret survived the scrub: %q", s)
	}
	if !strings.Contains(s, "[REDACTED]") || !strings.Contains(s, "request failed") {
		t.Fatalf("pattern scrub should keep surrounding text: %q", s)
	}
}

func TestNewLogger_DropsAuthHeadersWhole(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("proxying request",
		"header", "Authorization: Bearer super-secret-value",
		"bot", "1234567890:AAHdqTcvbXk29fJpQ8rZw3yVuGnM5oLxKtE",
	)

	entry := lastLogEntry(t, home)
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("auth header survived: %#v", entry["header"])
	}
	if v, _ := entry["bot"].(string); strings.Contains(v, "AAHdqTcvbXk") {
		t.Fatalf("bot token survived: %#v", entry["bot"])
	}
}
