package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// reloadCooldown suppresses the trailing events of a save burst. Editors
// produce several notifications per save (write, chmod, rename); one reload
// covers all of them.
const reloadCooldown = 200 * time.Millisecond

// Watcher watches the jobs file (and its directory, so editors that replace
// the file are caught) and emits reload events, coalescing save bursts.
type Watcher struct {
	jobsPath string
	logger   *slog.Logger
	events   chan ReloadEvent
	lastEmit time.Time
}

func NewWatcher(jobsPath string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		jobsPath: jobsPath,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the containing directory too: most editors write a temp file and
	// rename it over the original, which only the directory watch sees.
	_ = fsw.Add(w.jobsPath)
	if err := fsw.Add(filepath.Dir(w.jobsPath)); err != nil {
		fsw.Close()
		return err
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("jobs watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(ev.Name) != filepath.Clean(w.jobsPath) {
		return
	}
	if !w.lastEmit.IsZero() && time.Since(w.lastEmit) < reloadCooldown {
		return
	}
	w.lastEmit = time.Now()

	select {
	case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
	default:
	}
	w.logger.Info("jobs file changed", "path", ev.Name, "op", ev.Op.String())
}
