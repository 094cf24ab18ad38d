package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/geofetch/geofetch/internal/store"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds the run configuration. Defaults come from struct tags,
// overridden by GEOFETCH_* environment variables, then by an optional YAML
// file, then by command-line flags.
type Config struct {
	OutputDir  string `envconfig:"OUTPUT_DIR" default:"downloads" yaml:"output_dir"`
	StatusFile string `envconfig:"STATUS_FILE" yaml:"status_file"`

	Parallel bool `envconfig:"PARALLEL" yaml:"parallel"`
	Workers  int  `envconfig:"WORKERS" yaml:"workers"`

	Delay           time.Duration `envconfig:"DELAY" default:"400ms" yaml:"delay"`
	ChunkSize       int           `envconfig:"CHUNK_SIZE" default:"32768" yaml:"chunk_size"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"3" yaml:"max_retries"`
	RetryDelay      time.Duration `envconfig:"RETRY_DELAY" default:"2s" yaml:"retry_delay"`
	VerifyIntegrity bool          `envconfig:"VERIFY_INTEGRITY" default:"true" yaml:"verify_integrity"`
	DryRun          bool          `envconfig:"DRY_RUN" yaml:"dry_run"`

	Pattern     string        `envconfig:"PATTERN" default:"!Platform_series_id" yaml:"pattern"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s" yaml:"http_timeout"`
	UserAgent   string        `envconfig:"USER_AGENT" default:"geofetch/1.0 (+https://github.com/geofetch/geofetch)" yaml:"user_agent"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO" yaml:"log_level"`
	MetricsAddr string `envconfig:"METRICS_ADDR" yaml:"metrics_addr"`
}

// Load reads environment variables and populates the Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("geofetch", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// ApplyFile overlays values from a YAML config file. Only keys present in
// the file override the current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.OutputDir == "" {
		return errors.New("output dir must not be empty")
	}

	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}

	if c.Delay < 0 {
		return errors.New("delay must not be negative")
	}

	if c.ChunkSize < 1 {
		return errors.New("chunk size must be a positive number of bytes")
	}

	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}

	if c.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}

	return nil
}

// EffectiveWorkers resolves the worker pool size: 1 unless parallel mode is
// on, the explicit worker count when given, otherwise 75% of the CPUs.
func (c *Config) EffectiveWorkers() int {
	if !c.Parallel {
		return 1
	}

	if c.Workers > 0 {
		return c.Workers
	}

	return max(1, runtime.NumCPU()*3/4)
}

// StatusPath resolves the status file location, defaulting to the output
// directory so progress state travels with the downloads.
func (c *Config) StatusPath() string {
	if c.StatusFile != "" {
		return c.StatusFile
	}

	return store.DefaultPath(c.OutputDir)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
