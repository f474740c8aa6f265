package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LaneDefaults overrides the global executor/model/workdir for one lane.
type LaneDefaults struct {
	Executor string `yaml:"executor"`
	Model    string `yaml:"model"`
	CWD      string `yaml:"cwd"`
	// Context is prepended to every prompt assembled for this lane.
	Context string `yaml:"context"`
}

// CLIExecutorConfig configures the subprocess CLI backend.
type CLIExecutorConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
}

// ContainerExecutorConfig configures the Docker backend.
type ContainerExecutorConfig struct {
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`
}

// APIExecutorConfig configures the direct provider backend.
type APIExecutorConfig struct {
	// Provider is one of "google", "anthropic", "openai_compatible".
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	CompatProvider string `yaml:"compat_provider"`
	// MaxHistory caps the per-session message history carried across runs.
	MaxHistory int `yaml:"max_history"`
	// System is prepended as the system prompt for every call.
	System string `yaml:"system"`
}

// WasmExecutorConfig configures the wasm module backend.
type WasmExecutorConfig struct {
	ModuleDir   string `yaml:"module_dir"`
	Module      string `yaml:"module"`
	MemoryPages int    `yaml:"memory_pages"`
}

// ExecutorsConfig holds per-backend executor settings.
type ExecutorsConfig struct {
	CLI       CLIExecutorConfig       `yaml:"cli"`
	Container ContainerExecutorConfig `yaml:"container"`
	API       APIExecutorConfig       `yaml:"api"`
	Wasm      WasmExecutorConfig      `yaml:"wasm"`
}

// QueueConfig tunes the background queue.
type QueueConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds   int `yaml:"backoff_cap_seconds"`
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	Disabled bool `yaml:"disabled"`
}

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// ChannelsConfig holds notification channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the effective daemon configuration: defaults, then config.yaml,
// then SQUIRE_* environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DefaultExecutor/DefaultModel apply when neither the request, the lane's
	// session state, nor a lane override names one.
	DefaultExecutor string `yaml:"default_executor"`
	DefaultModel    string `yaml:"default_model"`

	// Workspace is the default working directory for runs.
	Workspace string `yaml:"workspace"`

	RunTimeoutSeconds   int `yaml:"run_timeout_seconds"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// JobsFile locates jobs.yaml; relative paths resolve against HomeDir.
	JobsFile string `yaml:"jobs_file"`

	// Retention windows in days. 0 keeps records forever.
	RetentionRunsDays    int `yaml:"retention_runs_days"`
	RetentionJobRunsDays int `yaml:"retention_job_runs_days"`
	RetentionQueueDays   int `yaml:"retention_queue_days"`

	Lanes     map[string]LaneDefaults `yaml:"lanes"`
	Executors ExecutorsConfig         `yaml:"executors"`
	Queue     QueueConfig             `yaml:"queue"`
	Scheduler SchedulerConfig         `yaml:"scheduler"`
	Channels  ChannelsConfig          `yaml:"channels"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the data directory: SQUIRE_HOME, else ~/.squire.
func HomeDir() string {
	if override := os.Getenv("SQUIRE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".squire")
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:18790",
		LogLevel:             "info",
		DefaultExecutor:      "cli",
		RunTimeoutSeconds:    int((10 * time.Minute).Seconds()),
		DrainTimeoutSeconds:  5,
		JobsFile:             "jobs.yaml",
		RetentionRunsDays:    90,
		RetentionJobRunsDays: 180,
		RetentionQueueDays:   30,
		Queue: QueueConfig{
			PollIntervalSeconds: 5,
			MaxAttempts:         3,
			BackoffBaseSeconds:  30,
			BackoffCapSeconds:   900,
		},
	}
}

// Load reads config.yaml from the squire home, applies environment overrides,
// and fills defaults. A missing config.yaml is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create squire home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DefaultExecutor) == "" {
		cfg.DefaultExecutor = "cli"
	}
	if cfg.RunTimeoutSeconds <= 0 {
		cfg.RunTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if strings.TrimSpace(cfg.JobsFile) == "" {
		cfg.JobsFile = "jobs.yaml"
	}
	if strings.TrimSpace(cfg.Workspace) == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Queue.PollIntervalSeconds <= 0 {
		cfg.Queue.PollIntervalSeconds = 5
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBaseSeconds <= 0 {
		cfg.Queue.BackoffBaseSeconds = 30
	}
	if cfg.Queue.BackoffCapSeconds <= 0 {
		cfg.Queue.BackoffCapSeconds = 900
	}
	if strings.TrimSpace(cfg.Executors.CLI.Command) == "" {
		cfg.Executors.CLI.Command = "claude"
	}
	if strings.TrimSpace(cfg.Executors.Container.Image) == "" {
		cfg.Executors.Container.Image = "golang:alpine"
	}
	if cfg.Executors.Container.MemoryMB <= 0 {
		cfg.Executors.Container.MemoryMB = 512
	}
	if strings.TrimSpace(cfg.Executors.Container.Network) == "" {
		cfg.Executors.Container.Network = "none"
	}
	if strings.TrimSpace(cfg.Executors.API.Provider) == "" {
		cfg.Executors.API.Provider = "google"
	}
	if cfg.Executors.API.MaxHistory <= 0 {
		cfg.Executors.API.MaxHistory = 40
	}
	if strings.TrimSpace(cfg.Executors.Wasm.ModuleDir) == "" {
		cfg.Executors.Wasm.ModuleDir = filepath.Join(cfg.HomeDir, "modules")
	}
	if cfg.Executors.Wasm.MemoryPages <= 0 {
		cfg.Executors.Wasm.MemoryPages = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SQUIRE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("SQUIRE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SQUIRE_DEFAULT_EXECUTOR"); raw != "" {
		cfg.DefaultExecutor = raw
	}
	if raw := os.Getenv("SQUIRE_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw := os.Getenv("SQUIRE_WORKSPACE"); raw != "" {
		cfg.Workspace = raw
	}
	if raw := os.Getenv("SQUIRE_JOBS_FILE"); raw != "" {
		cfg.JobsFile = raw
	}
	if raw := os.Getenv("SQUIRE_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SQUIRE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SQUIRE_QUEUE_POLL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// JobsFilePath resolves the jobs file location against the home directory.
func (c Config) JobsFilePath() string {
	if filepath.IsAbs(c.JobsFile) {
		return c.JobsFile
	}
	return filepath.Join(c.HomeDir, c.JobsFile)
}

// LaneExecutor returns the configured executor for a lane, falling back to
// the global default.
func (c Config) LaneExecutor(lane string) string {
	if ld, ok := c.Lanes[lane]; ok && strings.TrimSpace(ld.Executor) != "" {
		return ld.Executor
	}
	return c.DefaultExecutor
}

// LaneModel returns the configured model for a lane, falling back to the
// global default (which may be empty, leaving the choice to the executor).
func (c Config) LaneModel(lane string) string {
	if ld, ok := c.Lanes[lane]; ok && strings.TrimSpace(ld.Model) != "" {
		return ld.Model
	}
	return c.DefaultModel
}

// LaneCWD returns the working directory for a lane's runs.
func (c Config) LaneCWD(lane string) string {
	if ld, ok := c.Lanes[lane]; ok && strings.TrimSpace(ld.CWD) != "" {
		return ld.CWD
	}
	return c.Workspace
}

// LaneContext returns the lane's prompt preamble, if configured.
func (c Config) LaneContext(lane string) string {
	if ld, ok := c.Lanes[lane]; ok {
		return strings.TrimSpace(ld.Context)
	}
	return ""
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|exec=%s|model=%s|timeout=%d|poll=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.DefaultExecutor, c.DefaultModel,
		c.RunTimeoutSeconds, c.Queue.PollIntervalSeconds, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
