package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/satchel/squire/internal/config"
)

func TestCLI_BuildArgs(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.CLIExecutorConfig
		req  Request
		want []string
	}{
		{
			name: "minimal",
			req:  Request{Prompt: "hello"},
			want: []string{"-p", "--output-format", "json", "hello"},
		},
		{
			name: "model and resume",
			req:  Request{Prompt: "hi", Model: "claude-sonnet-4-5", ContinuationToken: "sess-1"},
			want: []string{"-p", "--output-format", "json", "--model", "claude-sonnet-4-5", "--resume", "sess-1", "hi"},
		},
		{
			name: "permission mode and allowed tools",
			cfg: config.CLIExecutorConfig{
				PermissionMode: "acceptEdits",
				AllowedTools:   []string{"Read", "Write"},
			},
			req:  Request{Prompt: "go"},
			want: []string{"-p", "--output-format", "json", "--permission-mode", "acceptEdits", "--allowedTools", "Read,Write", "go"},
		},
		{
			name: "extra args before prompt",
			cfg:  config.CLIExecutorConfig{Args: []string{"--add-dir", "/srv"}},
			req:  Request{Prompt: "q"},
			want: []string{"-p", "--output-format", "json", "--add-dir", "/srv", "q"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli := NewCLI(tc.cfg)
			got := cli.buildArgs(tc.req)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("arg[%d]: expected %q, got %q", i, tc.want[i], got[i])
				}
			}
			if got[len(got)-1] != tc.req.Prompt {
				t.Errorf("prompt must be the last argument, got %q", got[len(got)-1])
			}
		})
	}
}

func TestParseCLIResult(t *testing.T) {
	envelope := `{"type":"result","subtype":"success","result":"done","is_error":false,` +
		`"session_id":"abc-123","num_turns":2,"total_cost_usd":0.0042,"duration_ms":1500}`
	parsed, ok := parseCLIResult([]byte(envelope))
	if !ok {
		t.Fatal("expected envelope to parse")
	}
	if parsed.Result != "done" {
		t.Errorf("expected result done, got %q", parsed.Result)
	}
	if parsed.SessionID != "abc-123" {
		t.Errorf("expected session abc-123, got %q", parsed.SessionID)
	}
	if parsed.IsError {
		t.Error("expected is_error false")
	}

	if _, ok := parseCLIResult([]byte("plain text output")); ok {
		t.Error("plain text must not parse as an envelope")
	}
	if _, ok := parseCLIResult([]byte(`{"unrelated":"json"}`)); ok {
		t.Error("unrelated JSON must not count as an envelope")
	}
}

func TestCLIErrorMessage(t *testing.T) {
	if msg := cliErrorMessage(cliResult{Result: "rate limited"}); msg != "rate limited" {
		t.Errorf("expected result text, got %q", msg)
	}
	if msg := cliErrorMessage(cliResult{Subtype: "error_max_turns"}); msg != "cli error: error_max_turns" {
		t.Errorf("expected subtype message, got %q", msg)
	}
	if msg := cliErrorMessage(cliResult{}); msg == "" {
		t.Error("expected a fallback message")
	}
}

// writeFakeCLI writes a shell script standing in for the coding CLI.
func writeFakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func TestCLI_Execute_ParsesEnvelope(t *testing.T) {
	fake := writeFakeCLI(t, `echo '{"type":"result","subtype":"success","result":"the answer","is_error":false,"session_id":"sess-9","duration_ms":5}'`)
	cli := NewCLI(config.CLIExecutorConfig{Command: fake})

	res, err := cli.Execute(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Output != "the answer" {
		t.Errorf("expected envelope result, got %q", res.Output)
	}
	if res.ContinuationToken != "sess-9" {
		t.Errorf("expected session token sess-9, got %q", res.ContinuationToken)
	}
}

func TestCLI_Execute_ErrorEnvelopeMapsToExitOne(t *testing.T) {
	fake := writeFakeCLI(t, `echo '{"type":"result","subtype":"error","result":"context limit","is_error":true,"session_id":"sess-2"}'`)
	cli := NewCLI(config.CLIExecutorConfig{Command: fake})

	res, err := cli.Execute(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1 for is_error envelope, got %d", res.ExitCode)
	}
	if res.Stderr != "context limit" {
		t.Errorf("expected error message from envelope, got %q", res.Stderr)
	}
	if res.ContinuationToken != "sess-2" {
		t.Error("session token must survive an error envelope")
	}
}

func TestCLI_Execute_NonZeroExit(t *testing.T) {
	fake := writeFakeCLI(t, `echo "partial" ; echo "broken pipe" >&2 ; exit 3`)
	cli := NewCLI(config.CLIExecutorConfig{Command: fake})

	res, err := cli.Execute(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("nonzero exit is a determinate outcome, got error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
	if res.Stderr != "broken pipe" {
		t.Errorf("expected stderr captured, got %q", res.Stderr)
	}
}

func TestCLI_Execute_PlainTextPassthrough(t *testing.T) {
	fake := writeFakeCLI(t, `echo "not json at all"`)
	cli := NewCLI(config.CLIExecutorConfig{Command: fake})

	res, err := cli.Execute(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "not json at all" {
		t.Errorf("expected raw output passthrough, got %q", res.Output)
	}
	if res.ContinuationToken != "" {
		t.Error("no envelope means no continuation token")
	}
}

func TestCLI_Execute_SpawnFailure(t *testing.T) {
	cli := NewCLI(config.CLIExecutorConfig{Command: filepath.Join(t.TempDir(), "missing-binary")})

	_, err := cli.Execute(context.Background(), Request{Prompt: "q"})
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var xe *Error
	if !errors.As(err, &xe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if xe.ExitCode != -1 {
		t.Errorf("expected exit -1 for spawn failure, got %d", xe.ExitCode)
	}
}

func TestCLI_Execute_CancelKillsProcess(t *testing.T) {
	fake := writeFakeCLI(t, `sleep 30`)
	cli := NewCLI(config.CLIExecutorConfig{Command: fake})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := cli.Execute(ctx, Request{Prompt: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancel took too long to reap the process: %v", elapsed)
	}
}
