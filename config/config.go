package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig holds durable-log configurations.
type LogConfig struct {
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	SyncMode            string `yaml:"sync_mode"`   // "always", "interval", "disabled"
	Compression         string `yaml:"compression"` // "none", "snappy", "lz4", "zstd"
	ReaderPoolSize      int    `yaml:"reader_pool_size"`
}

// IndexConfig holds secondary-index configurations.
type IndexConfig struct {
	MemtableThreshold int `yaml:"memtable_threshold"` // entries buffered before a flush to the table file
}

// CacheConfig holds configurations for the engine's hot caches.
type CacheConfig struct {
	IdempotencyCapacity int   `yaml:"idempotency_capacity"`
	IdempotencyMaxBytes int64 `yaml:"idempotency_max_bytes"`
	StreamStateCapacity int   `yaml:"stream_state_capacity"`
}

// EngineConfig holds all engine-related configurations, grouped logically.
type EngineConfig struct {
	DataDir string      `yaml:"data_dir"`
	Log     LogConfig   `yaml:"log"`
	Index   IndexConfig `yaml:"index"`
	Cache   CacheConfig `yaml:"cache"`
	// AdditionalCommitChecks enables the slower post-commit verification mode
	// (contiguity and duplicate-entry checks) that aborts on index corruption.
	AdditionalCommitChecks bool `yaml:"additional_commit_checks"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`
}

// SecurityConfig holds the access-control configuration.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// Config is the top-level configuration struct.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// Default returns a configuration populated with sane defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			Log: LogConfig{
				MaxSegmentSizeBytes: 256 * 1024 * 1024,
				SyncMode:            "always",
				Compression:         "snappy",
				ReaderPoolSize:      8,
			},
			Index: IndexConfig{
				MemtableThreshold: 100_000,
			},
			Cache: CacheConfig{
				IdempotencyCapacity: 50_000,
				IdempotencyMaxBytes: 16 * 1024 * 1024,
				StreamStateCapacity: 100_000,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads configuration from an io.Reader on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir must not be empty")
	}
	if c.Engine.Log.MaxSegmentSizeBytes <= 0 {
		return fmt.Errorf("engine.log.max_segment_size_bytes must be positive, got %d", c.Engine.Log.MaxSegmentSizeBytes)
	}
	if c.Engine.Log.ReaderPoolSize <= 0 {
		return fmt.Errorf("engine.log.reader_pool_size must be positive, got %d", c.Engine.Log.ReaderPoolSize)
	}
	switch c.Engine.Log.SyncMode {
	case "always", "interval", "disabled":
	default:
		return fmt.Errorf("engine.log.sync_mode must be one of always/interval/disabled, got %q", c.Engine.Log.SyncMode)
	}
	if c.Engine.Index.MemtableThreshold <= 0 {
		return fmt.Errorf("engine.index.memtable_threshold must be positive, got %d", c.Engine.Index.MemtableThreshold)
	}
	if c.Security.Enabled && c.Security.UserFilePath == "" {
		return fmt.Errorf("security.user_file_path is required when security is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, falling back to defaultDuration on
// empty or invalid input. Invalid input logs a warning.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}
