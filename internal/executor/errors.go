package executor

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Registry.Get for an unknown backend name.
var ErrNotFound = errors.New("executor not found")

// Error reports a backend failure that produced no result. ExitCode is the
// code the run should be recorded with: -1 for spawn/infrastructure
// failures, 1 for provider-reported errors.
type Error struct {
	Backend  string
	ExitCode int
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s executor: %v: %s", e.Backend, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s executor: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCodeOf extracts the exit code to record for a failed execution.
// Errors that are not an *Error count as infrastructure failures (-1).
func ExitCodeOf(err error) int {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.ExitCode
	}
	return -1
}
