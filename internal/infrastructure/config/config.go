package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GriffinCanCode/AgentOS/multiproc/internal/infrastructure/logging"
	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// Config holds all application configuration.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	Process    ProcessConfig    `yaml:"process" toml:"process"`
	Logging    LogConfig        `yaml:"logging" toml:"logging"`
}

// SupervisorConfig holds main-loop configuration.
type SupervisorConfig struct {
	Workers         int      `envconfig:"MULTIPROC_WORKERS" yaml:"workers" toml:"workers"`
	Timeout         Duration `envconfig:"MULTIPROC_TIMEOUT" yaml:"timeout" toml:"timeout"`
	PendingCapacity int      `envconfig:"MULTIPROC_PENDING_CAPACITY" yaml:"pending_capacity" toml:"pending_capacity"`
}

// ProcessConfig holds per-worker configuration.
type ProcessConfig struct {
	SyncCapacity int      `envconfig:"MULTIPROC_SYNC_CAPACITY" yaml:"sync_capacity" toml:"sync_capacity"`
	StopTimeout  Duration `envconfig:"MULTIPROC_STOP_TIMEOUT" yaml:"stop_timeout" toml:"stop_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// Duration is a time.Duration that reads "2s" style strings from the
// environment, YAML and TOML alike.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load loads configuration from environment variables on top of Default.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML or TOML file over Default, then applies environment
// overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Supervisor.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Supervisor.Workers)
	case c.Supervisor.Timeout.Duration <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	case c.Supervisor.PendingCapacity < 0:
		return fmt.Errorf("%w: pending capacity must not be negative", ErrInvalidConfig)
	case c.Process.SyncCapacity <= 0:
		return fmt.Errorf("%w: sync capacity must be positive, got %d", ErrInvalidConfig, c.Process.SyncCapacity)
	case !logging.ValidLevel(c.Logging.Level):
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Workers:         5,
			Timeout:         Duration{2 * time.Second},
			PendingCapacity: 64,
		},
		Process: ProcessConfig{
			SyncCapacity: 10,
			StopTimeout:  Duration{10 * time.Second},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
