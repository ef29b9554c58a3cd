package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Queue       QueueConfig    `toml:"queue"`
	Storage     StorageConfig  `toml:"storage"`
	Worker      WorkerConfig   `toml:"worker"`
	Logging     LoggingConfig  `toml:"logging"`
	Analysis    AnalysisConfig `toml:"analysis"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type QueueConfig struct {
	Host                    string `toml:"queue_host"`                // Work queue service host
	Port                    int    `toml:"queue_port"`                // Work queue service port
	PollInterval            string `toml:"poll_interval"`             // e.g. "1s" - how often workers poll for items
	DefaultTimeoutSeconds   int    `toml:"default_timeout_seconds"`   // Per-item timeout when the caller passes none
	ResultRetentionSeconds  int    `toml:"result_retention_seconds"`  // How long finished entries are retained
	FailureRetentionSeconds int    `toml:"failure_retention_seconds"` // Same for failed entries
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	SQLite SQLiteConfig `toml:"sqlite"`
}

// BadgerConfig represents BadgerDB-specific configuration (work queue state)
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// SQLiteConfig represents the job store database configuration
type SQLiteConfig struct {
	Path string `toml:"path"` // Database file path
}

type WorkerConfig struct {
	Concurrency   int    `toml:"concurrency"`    // Number of concurrent workers
	Name          string `toml:"name"`           // Worker name prefix (instance id appended)
	SweepSchedule string `toml:"sweep_schedule"` // Cron schedule for claim/retention sweeps
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// AnalysisConfig points at the scientific kernels executed per subjob.
type AnalysisConfig struct {
	WireReconExecutable string `toml:"wire_recon_executable"` // depth-resolved wire reconstruction binary
	IndexingExecutable  string `toml:"indexing_executable"`   // peak indexing binary
	ReconExecutable     string `toml:"recon_executable"`      // coded-aperture reconstruction binary
}

// NewDefaultConfig creates a configuration with default values.
// Only user-facing settings are exposed in lauerun.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Queue: QueueConfig{
			Host:                    "localhost",
			Port:                    6379,
			PollInterval:            "1s",
			DefaultTimeoutSeconds:   7200,  // two hours per work item
			ResultRetentionSeconds:  86400, // keep finished entries for 24 hours
			FailureRetentionSeconds: 86400,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/queue",
			},
			SQLite: SQLiteConfig{
				Path: "./data/lauerun.db",
			},
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			Name:          "lauerun-worker",
			SweepSchedule: "0 * * * * *", // every minute
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Analysis: AnalysisConfig{
			WireReconExecutable: "reconstructN",
			IndexingExecutable:  "euler",
			ReconExecutable:     "reconstructC",
		},
	}
}

// LoadFromFile loads configuration: defaults -> file -> env overrides.
// A missing file is not an error; defaults apply.
func LoadFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies LAUERUN_* environment variables on top of the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LAUERUN_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LAUERUN_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("LAUERUN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LAUERUN_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("LAUERUN_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
}

// Validate checks configuration invariants at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Queue.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("default_timeout_seconds must be positive, got %d", c.Queue.DefaultTimeoutSeconds)
	}
	if _, err := c.PollInterval(); err != nil {
		return fmt.Errorf("invalid queue poll_interval: %w", err)
	}
	return nil
}

// PollInterval parses the queue poll interval duration string.
func (c *Config) PollInterval() (time.Duration, error) {
	return time.ParseDuration(c.Queue.PollInterval)
}

// DefaultTimeout returns the default per-item timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Queue.DefaultTimeoutSeconds) * time.Second
}

// ResultRetention returns how long finished queue entries are kept.
func (c *Config) ResultRetention() time.Duration {
	return time.Duration(c.Queue.ResultRetentionSeconds) * time.Second
}

// FailureRetention returns how long failed queue entries are kept.
func (c *Config) FailureRetention() time.Duration {
	return time.Duration(c.Queue.FailureRetentionSeconds) * time.Second
}
