package executor

import (
	"context"
	"errors"
	"testing"
)

type fakeExecutor struct {
	name string
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Execute(_ context.Context, _ Request) (Result, error) {
	return Result{Output: "ok from " + f.name}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeExecutor{name: "cli"})
	reg.Register(&fakeExecutor{name: "wasm"})

	e, err := reg.Get("cli")
	if err != nil {
		t.Fatalf("Get(cli): %v", err)
	}
	if e.Name() != "cli" {
		t.Errorf("expected cli, got %s", e.Name())
	}
}

func TestRegistry_UnknownName(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nope")
	if err == nil {
		t.Fatal("expected error for unknown executor")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_ReRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeExecutor{name: "cli"})
	replacement := &fakeExecutor{name: "cli"}
	reg.Register(replacement)

	e, err := reg.Get("cli")
	if err != nil {
		t.Fatalf("Get(cli): %v", err)
	}
	if e != Executor(replacement) {
		t.Error("expected replacement executor to win")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeExecutor{name: "wasm"})
	reg.Register(&fakeExecutor{name: "api"})
	reg.Register(&fakeExecutor{name: "cli"})

	names := reg.Names()
	want := []string{"api", "cli", "wasm"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %d", len(want), len(names))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d]: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestExitCodeOf(t *testing.T) {
	if got := ExitCodeOf(&Error{Backend: "api", ExitCode: 1, Err: errors.New("boom")}); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := ExitCodeOf(errors.New("plain")); got != -1 {
		t.Errorf("expected -1 for plain error, got %d", got)
	}
}
