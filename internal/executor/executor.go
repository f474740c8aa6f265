// Package executor defines the backend contract for running a single query
// against an AI backend, plus the shipped backends: cli (subprocess),
// container (Docker), api (direct provider calls), and wasm (guest module).
//
// Executors are stateless from the caller's point of view: everything a run
// needs arrives in the Request, and everything worth keeping comes back in
// the Result. Session continuity is carried by the ContinuationToken; the
// caller stores it per lane and replays it on the next run.
package executor

import (
	"context"
	"time"
)

// Request describes one query handed to a backend.
type Request struct {
	// Prompt is the fully assembled prompt text. Assembly (system context,
	// memory hint, attachments, query) happens upstream; backends treat the
	// prompt as opaque.
	Prompt string

	// CWD is the working directory for backends that execute processes.
	// Empty means the daemon's own working directory.
	CWD string

	// Model overrides the backend's default model when non-empty.
	Model string

	// ContinuationToken resumes a prior session when non-empty. Stateless
	// backends ignore it.
	ContinuationToken string

	// Env entries are appended to the subprocess environment. Only the cli
	// backend consumes this.
	Env []string
}

// Result is the outcome of one executed query.
type Result struct {
	// Output is the reply text.
	Output string

	// Stderr carries diagnostic output for process backends. Used as the
	// recorded error message when ExitCode is nonzero.
	Stderr string

	// ExitCode is the backend's own exit code. Zero means success; anything
	// else marks the run failed with that code.
	ExitCode int

	// Duration is wall-clock execution time.
	Duration time.Duration

	// ContinuationToken, when non-empty, resumes this session on a later
	// run against the same backend.
	ContinuationToken string
}

// Executor runs one query against a backend.
//
// Execute returns a nil error whenever the backend produced a determinate
// outcome, including nonzero exits, which ride back in Result.ExitCode.
// A non-nil error means no outcome exists: spawn failure, provider error,
// guest fault. Those should be (or wrap) an *Error so the caller can record
// the right exit code.
//
// Implementations must honor ctx cancellation and return promptly once it
// fires; killing whatever they spawned is their responsibility.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}
