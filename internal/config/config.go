package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/groupclaw/internal/otel"
)

// TelegramConfig holds the transport collaborator settings.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// WorkerConfig controls the worker process supervisor.
type WorkerConfig struct {
	// Command is the agent CLI invoked per dispatch (default "claude").
	Command string `yaml:"command"`
	// Args are prepended before the per-dispatch arguments.
	Args []string `yaml:"args"`
	// HardTimeoutSeconds forcibly terminates a silent worker (default 1800).
	HardTimeoutSeconds int `yaml:"hard_timeout_seconds"`
	// IdleTimeoutSeconds triggers a polite close signal (default 300).
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// QueueConfig controls dispatch concurrency and retry.
type QueueConfig struct {
	// MaxConcurrentWorkers bounds simultaneously running workers (default 5).
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`
	// MaxRetries before a work item is dropped as terminal (default 3).
	MaxRetries int `yaml:"max_retries"`
	// RetryBaseSeconds is the base of the exponential backoff (default 30).
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
}

// IPCConfig controls the file-based channel watcher.
type IPCConfig struct {
	// PollIntervalMillis is the watcher poll period (default 1000).
	PollIntervalMillis int `yaml:"poll_interval_millis"`
}

// CronConfig controls the due-task poller.
type CronConfig struct {
	// TickSeconds is the scheduler poll period (default 60).
	TickSeconds int `yaml:"tick_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	IPC      IPCConfig      `yaml:"ipc"`
	Cron     CronConfig     `yaml:"cron"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     otelPkg.Config `yaml:"otel"`
}

// HardTimeout returns the worker hard timeout as a duration.
func (c Config) HardTimeout() time.Duration {
	return time.Duration(c.Worker.HardTimeoutSeconds) * time.Second
}

// IdleTimeout returns the worker idle timeout as a duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Worker.IdleTimeoutSeconds) * time.Second
}

// RetryBase returns the backoff base delay as a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Queue.RetryBaseSeconds) * time.Second
}

// IPCPollInterval returns the watcher poll period as a duration.
func (c Config) IPCPollInterval() time.Duration {
	return time.Duration(c.IPC.PollIntervalMillis) * time.Millisecond
}

// DBPath returns the SQLite database location under the home dir.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "groupclaw.db")
}

// IPCRoot returns the root directory of the file-based IPC channel.
func (c Config) IPCRoot() string {
	return filepath.Join(c.HomeDir, "ipc")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			MaxConcurrentWorkers: 5,
			MaxRetries:           3,
			RetryBaseSeconds:     30,
		},
		Worker: WorkerConfig{
			Command:            "claude",
			HardTimeoutSeconds: 1800,
			IdleTimeoutSeconds: 300,
		},
		IPC: IPCConfig{
			PollIntervalMillis: 1000,
		},
		Cron: CronConfig{
			TickSeconds: 60,
		},
	}
}

// HomeDir resolves the data directory: $GROUPCLAW_HOME or ~/.groupclaw.
func HomeDir() string {
	if override := os.Getenv("GROUPCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".groupclaw")
}

// ConfigPath returns the config file location under the home dir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home dir, applies env overrides, and
// normalizes out-of-range values. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create groupclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GROUPCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GROUPCLAW_MAX_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Queue.MaxConcurrentWorkers = v
		}
	}
	if raw := os.Getenv("GROUPCLAW_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.Queue.MaxRetries = v
		}
	}
	if raw := os.Getenv("GROUPCLAW_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("GROUPCLAW_HARD_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Worker.HardTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

func normalize(cfg *Config) {
	if cfg.Queue.MaxConcurrentWorkers <= 0 {
		cfg.Queue.MaxConcurrentWorkers = 5
	}
	if cfg.Queue.MaxRetries < 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.RetryBaseSeconds <= 0 {
		cfg.Queue.RetryBaseSeconds = 30
	}
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = "claude"
	}
	if cfg.Worker.HardTimeoutSeconds <= 0 {
		cfg.Worker.HardTimeoutSeconds = 1800
	}
	if cfg.Worker.IdleTimeoutSeconds <= 0 {
		cfg.Worker.IdleTimeoutSeconds = 300
	}
	if cfg.IPC.PollIntervalMillis <= 0 {
		cfg.IPC.PollIntervalMillis = 1000
	}
	if cfg.Cron.TickSeconds <= 0 {
		cfg.Cron.TickSeconds = 60
	}
}
