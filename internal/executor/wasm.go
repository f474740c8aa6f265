package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/satchel/squire/internal/config"
)

// defaultWasmMemoryPages caps guest memory at 160 pages = 10MB.
const defaultWasmMemoryPages = 160

// Wasm runs each query through a guest module. The guest exports
// alloc(size) -> ptr and run(ptr, len) -> packed u64 (ptr<<32 | len); the
// prompt is written into guest memory and the reply read back out. Modules
// are compiled once and cached; each run gets a fresh instance. Stateless
// backend: no continuation token.
type Wasm struct {
	runtime   wazero.Runtime
	moduleDir string
	module    string

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewWasm builds the runtime. Modules are loaded lazily from
// <moduleDir>/<name>.wasm on first use.
func NewWasm(ctx context.Context, cfg config.WasmExecutorConfig, homeDir string) *Wasm {
	pages := uint32(cfg.MemoryPages)
	if pages == 0 {
		pages = defaultWasmMemoryPages
	}
	moduleDir := cfg.ModuleDir
	if moduleDir == "" {
		moduleDir = filepath.Join(homeDir, "modules")
	}
	module := cfg.Module
	if module == "" {
		module = "agent"
	}

	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	return &Wasm{
		runtime:   wazero.NewRuntimeWithConfig(ctx, rtCfg),
		moduleDir: moduleDir,
		module:    module,
		compiled:  make(map[string]wazero.CompiledModule),
	}
}

func (w *Wasm) Name() string { return "wasm" }

func (w *Wasm) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	name := req.Model
	if name == "" {
		name = w.module
	}

	compiled, err := w.compiledModule(ctx, name)
	if err != nil {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1, Err: err,
		}
	}

	// Fresh anonymous instance per run so guest state never leaks between
	// queries.
	mod, err := w.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("instantiate module %s: %w", name, err),
		}
	}
	// Close with a background context so teardown still happens after a
	// cancelled run.
	defer func() { _ = mod.Close(context.Background()) }()

	allocFn := mod.ExportedFunction("alloc")
	runFn := mod.ExportedFunction("run")
	mem := mod.Memory()
	if allocFn == nil || runFn == nil || mem == nil {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("module %s does not export alloc, run and memory", name),
		}
	}

	prompt := []byte(req.Prompt)
	allocRes, err := allocFn.Call(ctx, uint64(len(prompt)))
	if err != nil || len(allocRes) == 0 {
		if ctx.Err() != nil {
			return Result{Duration: time.Since(start)}, ctx.Err()
		}
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("alloc in module %s: %w", name, err),
		}
	}
	ptr := uint32(allocRes[0])
	if !mem.Write(ptr, prompt) {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("write prompt to module %s memory", name),
		}
	}

	runRes, err := runFn.Call(ctx, uint64(ptr), uint64(len(prompt)))
	if err != nil {
		return w.classify(ctx, name, err, time.Since(start))
	}

	if len(runRes) == 0 {
		return Result{Duration: time.Since(start)}, nil
	}

	packed := runRes[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)
	output, ok := readGuestString(mem, outPtr, outLen)
	if !ok {
		return Result{Duration: time.Since(start)}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("read reply from module %s memory (ptr=%d len=%d)", name, outPtr, outLen),
		}
	}

	return Result{
		Output:   strings.TrimSpace(output),
		Duration: time.Since(start),
	}, nil
}

// classify maps a guest fault to the executor contract. Context-driven
// termination surfaces as ctx.Err(); wazero also raises sys.ExitError for
// it, so the ctx check comes first and a remaining ExitError is a genuine
// guest exit with a determinate code.
func (w *Wasm) classify(ctx context.Context, name string, err error, elapsed time.Duration) (Result, error) {
	if ctx.Err() != nil {
		return Result{Duration: elapsed}, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Result{Duration: elapsed}, err
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			Stderr:   err.Error(),
			ExitCode: int(exitErr.ExitCode()),
			Duration: elapsed,
		}, nil
	}
	if strings.Contains(err.Error(), "memory") {
		return Result{Duration: elapsed}, &Error{
			Backend: "wasm", ExitCode: -1,
			Err: fmt.Errorf("module %s exceeded memory: %w", name, err),
		}
	}
	return Result{Duration: elapsed}, &Error{
		Backend: "wasm", ExitCode: -1,
		Err: fmt.Errorf("module %s trapped: %w", name, err),
	}
}

func (w *Wasm) compiledModule(ctx context.Context, name string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if compiled, ok := w.compiled[name]; ok {
		return compiled, nil
	}

	path := filepath.Join(w.moduleDir, name+".wasm")
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module %s: %w", name, err)
	}
	w.compiled[name] = compiled
	slog.Info("wasm module compiled", "module", name, "path", path, "size_bytes", len(wasmBytes))
	return compiled, nil
}

// Close tears down the runtime and every cached module.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func readGuestString(mem wazeroapi.Memory, ptr, length uint32) (string, bool) {
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}
