package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/satchel/squire/internal/bus"
	"github.com/satchel/squire/internal/channels"
	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/cron"
	"github.com/satchel/squire/internal/executor"
	"github.com/satchel/squire/internal/gateway"
	"github.com/satchel/squire/internal/lane"
	otelPkg "github.com/satchel/squire/internal/otel"
	"github.com/satchel/squire/internal/queue"
	"github.com/satchel/squire/internal/store"
	"github.com/satchel/squire/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon (gateway, scheduler, queue worker)

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
                              Flags: -json for raw JSON, --watch for a live dashboard
  %s jobs list                List scheduled jobs
  %s jobs run <id>            Trigger a job now on its lane
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SQUIRE_HOME             Data directory (default: ~/.squire)
  SQUIRE_BIND_ADDR        Gateway bind address (default: 127.0.0.1:18790)
  SQUIRE_AUTH_TOKEN       Gateway bearer token (default: generated auth.token)
  GEMINI_API_KEY          Required for the google api executor

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Live dashboard:         %s status --watch
  Trigger a job:          %s jobs run nightly-digest
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "jobs":
			os.Exit(runJobsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Create the event bus early so every subsystem shares one instance.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metric instruments failed to register; continuing without them", "error", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "squire.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Runs and queue items left behind by a crash must settle before any
	// subsystem starts producing new ones.
	sweptRuns, err := st.SweepStaleRuns(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	requeued, err := st.RequeueStuckQueueItems(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"stale_runs_failed", sweptRuns,
		"queue_items_requeued", requeued)

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	registry := executor.NewRegistry()
	registry.Register(executor.NewCLI(cfg.Executors.CLI))
	if containerExec, err := executor.NewContainer(cfg.Executors.Container, cfg.Workspace); err != nil {
		logger.Warn("container executor unavailable", "error", err)
	} else {
		registry.Register(containerExec)
	}
	registry.Register(executor.NewAPI(ctx, cfg.Executors.API))
	registry.Register(executor.NewWasm(ctx, cfg.Executors.Wasm, cfg.HomeDir))
	logger.Info("executors registered", "names", registry.Names())

	lanes := lane.NewManager(st, registry, &cfg, lane.Options{
		Bus:     eventBus,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})

	notifier := channels.Multi{channels.LogNotifier{}}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else if tg, err := channels.NewTelegramNotifier(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID); err != nil {
			logger.Warn("telegram notifier init failed", "error", err)
		} else {
			notifier = append(notifier, tg)
			logger.Info("telegram notifications enabled", "chat_id", cfg.Channels.Telegram.ChatID)
		}
	}

	sched := cron.NewScheduler(cron.Config{
		Store:    st,
		Lanes:    lanes,
		Notifier: notifier,
		Bus:      eventBus,
		Metrics:  metrics,
	})
	jobsPath := cfg.JobsFilePath()
	defs, err := config.LoadJobs(jobsPath)
	if err != nil {
		logger.Warn("jobs file rejected; keeping previously stored jobs", "path", jobsPath, "error", err)
	} else if err := sched.SyncJobs(ctx, defs); err != nil {
		fatalStartup(logger, "E_JOB_SYNC", err)
	}
	if cfg.Scheduler.Disabled {
		logger.Info("scheduler ticking disabled by config; jobs fire only via jobs run")
	} else {
		sched.Start(ctx)
	}
	logger.Info("startup phase", "phase", "scheduler_ready", "jobs", len(defs))

	watcher := config.NewWatcher(jobsPath, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range watcher.Events() {
			if err := sched.Reload(ctx, jobsPath); err != nil {
				logger.Error("jobs reload failed", "error", err)
			}
		}
	}()

	queueMgr := queue.NewManager(st, cfg.Queue, queue.Options{Bus: eventBus})
	worker := queue.NewWorker(st, queue.NewLaneDispatcher(lanes), cfg.Queue, queue.Options{
		Bus:     eventBus,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})
	worker.Start(ctx)

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             st,
		Lanes:             lanes,
		Scheduler:         sched,
		Queue:             queueMgr,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Periodic retention job.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := st.RunRetention(ctx,
					cfg.RetentionRunsDays,
					cfg.RetentionJobRunsDays,
					cfg.RetentionQueueDays,
				)
				if err != nil {
					logger.Error("retention job failed", "error", err)
				} else if result.PurgedRuns+result.PurgedTranscripts+result.PurgedJobRuns+result.PurgedQueueItems > 0 {
					logger.Info("retention job completed",
						"purged_runs", result.PurgedRuns,
						"purged_transcripts", result.PurgedTranscripts,
						"purged_job_runs", result.PurgedJobRuns,
						"purged_queue_items", result.PurgedQueueItems,
					)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then the producers, then wait
	// for in-flight runs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	worker.Stop()
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	lanes.Drain(drainTimeout)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("SQUIRE_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// readAuthToken is the CLI-side counterpart of loadAuthToken. It never
// generates a token; only the daemon owns auth.token.
func readAuthToken(homeDir string) string {
	if raw := strings.TrimSpace(os.Getenv("SQUIRE_AUTH_TOKEN")); raw != "" {
		return raw
	}
	b, err := os.ReadFile(filepath.Join(homeDir, "auth.token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
