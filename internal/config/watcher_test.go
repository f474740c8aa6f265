package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/satchel/squire/internal/config"
)

func TestWatcher_DetectsJobsFileChange(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(jobsPath, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatalf("write initial jobs file: %v", err)
	}

	w := config.NewWatcher(jobsPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals rather than sleeping once: the
	// notification backend may not be ready immediately after Start.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(jobsPath, []byte("jobs: []\n# edited\n"), 0o644); err != nil {
		t.Fatalf("rewrite jobs file: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Clean(ev.Path) != filepath.Clean(jobsPath) {
				t.Fatalf("expected event for %s, got %s", jobsPath, ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(jobsPath, []byte("jobs: []\n# edited\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for jobs file change event")
		}
	}
}

func TestWatcher_CoalescesSaveBurst(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(jobsPath, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}

	w := config.NewWatcher(jobsPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// An editor save produces several notifications back to back. Give the
	// backend a moment to arm, then fire a burst.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(jobsPath, []byte("jobs: []\n# burst\n"), 0o644); err != nil {
			t.Fatalf("burst write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the burst's event")
	}

	// The rest of the burst is swallowed by the cooldown.
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(jobsPath, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}

	w := config.NewWatcher(jobsPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Writes to other files in the watched directory must not produce events.
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("bind_addr: x\n"), 0o644); err != nil {
		t.Fatalf("write sibling file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for sibling write: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	jobsPath := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(jobsPath, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatalf("write jobs file: %v", err)
	}

	w := config.NewWatcher(jobsPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	// The events channel closes once the watcher goroutine exits.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events channel to close")
		}
	}
}
