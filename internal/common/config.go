package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Stream      StreamConfig     `toml:"stream"`
	Generation  GenerationConfig `toml:"generation"`
	Retention   RetentionConfig  `toml:"retention"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// StreamConfig contains WebSocket streaming and client reconnection settings.
// The reconnect values feed the client-side retry policy; the throttle
// interval bounds how often per-job progress frames are written server-side.
type StreamConfig struct {
	ReconnectBaseDelay string `toml:"reconnect_base_delay"` // e.g. "1s"
	ReconnectMaxDelay  string `toml:"reconnect_max_delay"`  // e.g. "10s"
	ReconnectMaxTries  int    `toml:"reconnect_max_tries" validate:"gte=0"`
	ThrottleInterval   string `toml:"throttle_interval"` // Min interval between progress frames per job
}

// GenerationConfig contains configuration for generation job execution
type GenerationConfig struct {
	OutputDir   string `toml:"output_dir" validate:"required"` // Directory for packaged artifacts
	StageDelay  string `toml:"stage_delay"`                    // Simulated generator delay per stage
	MaxInFlight int    `toml:"max_in_flight" validate:"gt=0"`  // Concurrent generation jobs
}

// RetentionConfig controls the cron janitor that prunes finished jobs
type RetentionConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Cron schedule format
	MaxAge   string `toml:"max_age"`  // e.g. "168h" - terminal jobs older than this are deleted
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Stream: StreamConfig{
			ReconnectBaseDelay: "1s",
			ReconnectMaxDelay:  "10s",
			ReconnectMaxTries:  5,
			ThrottleInterval:   "250ms",
		},
		Generation: GenerationConfig{
			OutputDir:   "./generated-tests",
			StageDelay:  "0s",
			MaxInFlight: 4,
		},
		Retention: RetentionConfig{
			Enabled:  false, // Disabled by default - user must explicitly opt-in
			Schedule: "0 0 * * *",
			MaxAge:   "168h",
		},
	}
}

// LoadFromFile loads configuration from a single optional file
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks structural constraints and that every duration field parses
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"stream.reconnect_base_delay": c.Stream.ReconnectBaseDelay,
		"stream.reconnect_max_delay":  c.Stream.ReconnectMaxDelay,
		"stream.throttle_interval":    c.Stream.ThrottleInterval,
		"generation.stage_delay":      c.Generation.StageDelay,
		"retention.max_age":           c.Retention.MaxAge,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	return nil
}

// ApplyFlagOverrides applies command-line flag values on top of the loaded
// configuration. Flags have the highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Duration parses a config duration string, falling back when empty or invalid
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TESTGEN_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("TESTGEN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TESTGEN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("TESTGEN_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("TESTGEN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("TESTGEN_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Generation configuration
	if outputDir := os.Getenv("TESTGEN_OUTPUT_DIR"); outputDir != "" {
		config.Generation.OutputDir = outputDir
	}
}

// IsProduction returns true when running with production environment settings
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
