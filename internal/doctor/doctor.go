package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/satchel/squire/internal/config"
	"github.com/satchel/squire/internal/shared"
	"github.com/satchel/squire/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkExecutors,
		checkTelegram,
		checkGateway,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "No configuration available"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); err != nil {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: fmt.Sprintf("No config.yaml in %s (running on defaults)", cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Using %s", config.ConfigPath(cfg.HomeDir))}
}

// daemonEnvKeys are the environment variables the daemon honors, in the
// order the doctor reports them.
var daemonEnvKeys = []string{
	"SQUIRE_HOME",
	"SQUIRE_BIND_ADDR",
	"SQUIRE_LOG_LEVEL",
	"SQUIRE_DEFAULT_EXECUTOR",
	"SQUIRE_DEFAULT_MODEL",
	"SQUIRE_WORKSPACE",
	"SQUIRE_JOBS_FILE",
	"SQUIRE_RUN_TIMEOUT_SECONDS",
	"SQUIRE_DRAIN_TIMEOUT_SECONDS",
	"SQUIRE_QUEUE_POLL_SECONDS",
	"SQUIRE_AUTH_TOKEN",
	"TELEGRAM_TOKEN",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
}

func checkEnvironment(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Environment", Status: "SKIP", Message: "Config missing"}
	}

	keys := daemonEnvKeys
	if custom := strings.TrimSpace(cfg.Executors.API.APIKeyEnv); custom != "" {
		keys = append(append([]string{}, keys...), custom)
	}

	// Secret-bearing values render redacted so the report is safe to share.
	var set []string
	for _, key := range keys {
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		set = append(set, fmt.Sprintf("%s=%s", key, shared.RedactEnvValue(key, val)))
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No overrides set"}
	}
	return CheckResult{
		Name:    "Environment",
		Status:  "PASS",
		Message: fmt.Sprintf("%d override(s) active", len(set)),
		Detail:  strings.Join(set, ", "),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.Executors.API.Provider)
	if provider == "" {
		provider = "google"
	}

	// Mirror the api executor's key resolution so the diagnosis matches
	// what a run would actually see.
	envVar := cfg.Executors.API.APIKeyEnv
	fallback := ""
	if envVar == "" {
		switch provider {
		case "anthropic":
			envVar = "ANTHROPIC_API_KEY"
		case "openai_compatible":
			envVar = "OPENAI_API_KEY"
		default:
			envVar = "GEMINI_API_KEY"
			fallback = "GOOGLE_API_KEY"
		}
	}

	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Found %s", envVar)}
	}
	if fallback != "" && os.Getenv(fallback) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Found %s", fallback)}
	}

	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (%s provider)", envVar, provider),
		Detail:  "Only needed when runs use the api executor",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	// Same path the daemon uses in main.go.
	dbPath := filepath.Join(cfg.HomeDir, "squire.db")
	st, err := store.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Cannot open %s: %v", dbPath, err)}
	}
	defer st.Close()

	if _, err := st.CountRuns(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Probe query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "squire.db opens and answers queries"}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot write in %s: %v", cfg.HomeDir, err)}
	}
	os.Remove(probe)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkExecutors(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executors", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"
	warn := func() {
		if status != "FAIL" {
			status = "WARN"
		}
	}

	command := cfg.Executors.CLI.Command
	if command == "" {
		command = "claude"
	}
	if _, err := exec.LookPath(command); err != nil {
		details = append(details, fmt.Sprintf("cli: %s missing from PATH", command))
		if cfg.DefaultExecutor == "" || cfg.DefaultExecutor == "cli" {
			status = "FAIL"
		} else {
			warn()
		}
	} else {
		details = append(details, fmt.Sprintf("cli: %s ok", command))
	}

	if _, err := exec.LookPath("docker"); err != nil {
		details = append(details, "docker: missing (container executor unavailable)")
		warn()
	} else {
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			details = append(details, fmt.Sprintf("docker: daemon unreachable (%v)", err))
			warn()
		} else {
			details = append(details, "docker: ok")
		}
	}

	moduleDir := cfg.Executors.Wasm.ModuleDir
	if moduleDir == "" {
		moduleDir = filepath.Join(cfg.HomeDir, "modules")
	}
	if entries, err := os.ReadDir(moduleDir); err != nil {
		details = append(details, "wasm: module dir missing (no modules installed)")
	} else {
		count := 0
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".wasm") {
				count++
			}
		}
		details = append(details, fmt.Sprintf("wasm: %d module(s)", count))
	}

	return CheckResult{
		Name:    "Executors",
		Status:  status,
		Message: fmt.Sprintf("Checked %d executors", 3),
		Detail:  strings.Join(details, "; "),
	}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}

	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Channel disabled"}
	}
	if strings.TrimSpace(tg.Token) == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "FAIL",
			Message: "Channel enabled but no token is set",
			Detail:  "Set TELEGRAM_TOKEN or channels.telegram.token in config.yaml",
		}
	}
	if tg.ChatID == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Token set but chat_id is 0",
			Detail:  "Notifications need channels.telegram.chat_id to know where to send",
		}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: "Token and chat configured"}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}

	addr := cfg.BindAddr
	if addr == "" {
		addr = "127.0.0.1:18790"
	}

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("Daemon not reachable on %s", addr),
			Detail:  "Expected when the daemon is not running; start it with `squire`",
		}
	}
	conn.Close()

	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Daemon listening on %s", addr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.Executors.API.Provider)
	if provider == "" {
		provider = "google"
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai_compatible": "api.openai.com",
	}

	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}
	if base := cfg.Executors.API.BaseURL; base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot resolve %s: %v", host, err),
			Detail:  fmt.Sprintf("provider %s, gave up after %dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s to %d address(es) in %dms", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider %s: %v", provider, addrs),
	}
}
