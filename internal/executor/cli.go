package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/shared"
)

// cliResult is the JSON result envelope emitted by the coding CLI when run
// with `-p --output-format json`.
type cliResult struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	SessionID string  `json:"session_id"`
	NumTurns  int     `json:"num_turns"`
	TotalCost float64 `json:"total_cost_usd"`
	Duration  int     `json:"duration_ms"`
	Errors    []any   `json:"errors"`
}

// CLI runs queries through an AI coding CLI subprocess. The CLI's session id
// becomes the continuation token; `--resume` replays it on the next run.
type CLI struct {
	cfg config.CLIExecutorConfig
}

func NewCLI(cfg config.CLIExecutorConfig) *CLI {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &CLI{cfg: cfg}
}

func (c *CLI) Name() string { return "cli" }

// buildArgs assembles the CLI invocation. The prompt goes last so flag
// parsing cannot swallow it. A missing continuation token means a fresh
// session, so no resume flag is emitted at all.
func (c *CLI) buildArgs(req Request) []string {
	args := []string{"-p", "--output-format", "json"}
	if c.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", c.cfg.PermissionMode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ContinuationToken != "" {
		args = append(args, "--resume", req.ContinuationToken)
	}
	if len(c.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.cfg.AllowedTools, ","))
	}
	args = append(args, c.cfg.Args...)
	args = append(args, req.Prompt)
	return args
}

func (c *CLI) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.buildArgs(req)...)
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	cmd.Env = append(os.Environ(), req.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group, and kill the whole group on cancel so children
	// spawned by the CLI are reaped too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	slog.Debug("cli executor spawning",
		"command", c.cfg.Command,
		"lane", shared.Lane(ctx),
		"run_id", shared.RunID(ctx),
		"model", req.Model,
		"resume", req.ContinuationToken != "",
		"cwd", req.CWD)

	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return Result{Duration: elapsed}, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{Duration: elapsed}, &Error{
				Backend:  "cli",
				ExitCode: -1,
				Detail:   strings.TrimSpace(stderr.String()),
				Err:      runErr,
			}
		}
		res := Result{
			Output:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitErr.ExitCode(),
			Duration: elapsed,
		}
		// Many failures still carry the envelope; keep the session id so the
		// lane can resume past a flaky run.
		if parsed, ok := parseCLIResult(stdout.Bytes()); ok {
			res.Output = parsed.Result
			res.ContinuationToken = parsed.SessionID
			if res.Stderr == "" {
				res.Stderr = cliErrorMessage(parsed)
			}
		}
		return res, nil
	}

	parsed, ok := parseCLIResult(stdout.Bytes())
	if !ok {
		// Not the JSON envelope; pass raw output through.
		return Result{
			Output:   strings.TrimSpace(stdout.String()),
			Stderr:   strings.TrimSpace(stderr.String()),
			Duration: elapsed,
		}, nil
	}

	res := Result{
		Output:            parsed.Result,
		Duration:          elapsed,
		ContinuationToken: parsed.SessionID,
	}
	if parsed.IsError || parsed.Subtype == "error" {
		// Process exited zero but the envelope flags failure.
		res.ExitCode = 1
		res.Stderr = cliErrorMessage(parsed)
	}
	return res, nil
}

func parseCLIResult(out []byte) (cliResult, bool) {
	var parsed cliResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return cliResult{}, false
	}
	if parsed.Type == "" && parsed.Result == "" && parsed.SessionID == "" {
		return cliResult{}, false
	}
	return parsed, true
}

func cliErrorMessage(parsed cliResult) string {
	if parsed.Result != "" {
		return parsed.Result
	}
	if parsed.Subtype != "" {
		return "cli error: " + parsed.Subtype
	}
	return "cli reported an error"
}

