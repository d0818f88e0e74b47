package explorer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Config holds the configuration options for the agent runtime.
type Config struct {
	// Step retry policy. MaxStepRetries is the number of times a step may be
	// replayed after a transient tool failure.
	MaxStepRetries int
	RetryDelay     time.Duration

	// Per tool invocation timeout
	ToolTimeout time.Duration

	// Upper bound on scheduler transitions for a single plan
	MaxTransitions int

	// Maximum number of independent requests processed at once by ProcessBatch
	MaxConcurrentRequests int

	// Plan cache
	PlanCacheTTL  time.Duration
	PlanCachePath string

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int

	Log LogConfig
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxStepRetries:        2,
		RetryDelay:            time.Millisecond * 500,
		ToolTimeout:           time.Minute,
		MaxTransitions:        256,
		MaxConcurrentRequests: 4,
		PlanCacheTTL:          time.Minute * 10,
		EnableEventBus:        true,
		EventBusBufferSize:    100,
		EventBusWorkerCount:   5,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects settings the scheduler and executor cannot honour.
func (c Config) Validate() error {
	if c.MaxStepRetries < 0 {
		return NewConfigurationError(fmt.Sprintf("max_step_retries must be >= 0, got %d", c.MaxStepRetries), nil)
	}
	if c.RetryDelay < 0 {
		return NewConfigurationError("retry_delay must not be negative", nil)
	}
	if c.ToolTimeout <= 0 {
		return NewConfigurationError("tool_timeout must be positive", nil)
	}
	if c.MaxTransitions <= 0 {
		return NewConfigurationError("max_transitions must be positive", nil)
	}
	if c.MaxConcurrentRequests <= 0 {
		return NewConfigurationError("max_concurrent_requests must be positive", nil)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return NewConfigurationError(fmt.Sprintf("invalid log format %q: must be 'text' or 'json'", c.Log.Format), nil)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigurationError(fmt.Sprintf("invalid log level %q", c.Log.Level), nil)
	}
	return nil
}

// fileConfig mirrors Config with durations as strings so both YAML and TOML
// files can use "500ms" style values.
type fileConfig struct {
	MaxStepRetries        *int      `yaml:"max_step_retries" toml:"max_step_retries"`
	RetryDelay            string    `yaml:"retry_delay" toml:"retry_delay"`
	ToolTimeout           string    `yaml:"tool_timeout" toml:"tool_timeout"`
	MaxTransitions        int       `yaml:"max_transitions" toml:"max_transitions"`
	MaxConcurrentRequests int       `yaml:"max_concurrent_requests" toml:"max_concurrent_requests"`
	PlanCacheTTL          string    `yaml:"plan_cache_ttl" toml:"plan_cache_ttl"`
	PlanCachePath         string    `yaml:"plan_cache_path" toml:"plan_cache_path"`
	EnableEventBus        *bool     `yaml:"enable_event_bus" toml:"enable_event_bus"`
	EventBusBufferSize    int       `yaml:"event_bus_buffer_size" toml:"event_bus_buffer_size"`
	EventBusWorkerCount   int       `yaml:"event_bus_worker_count" toml:"event_bus_worker_count"`
	Log                   LogConfig `yaml:"log" toml:"log"`
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file. Fields missing
// from the file keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, NewConfigurationError("failed to parse YAML config", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return Config{}, NewConfigurationError("failed to decode TOML config", err)
		}
	default:
		return Config{}, NewConfigurationError(fmt.Sprintf("unsupported config format %q", filepath.Ext(path)), nil)
	}

	cfg, err := fc.apply(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg Config) (Config, error) {
	if fc.MaxStepRetries != nil {
		cfg.MaxStepRetries = *fc.MaxStepRetries
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"retry_delay", fc.RetryDelay, &cfg.RetryDelay},
		{"tool_timeout", fc.ToolTimeout, &cfg.ToolTimeout},
		{"plan_cache_ttl", fc.PlanCacheTTL, &cfg.PlanCacheTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, NewConfigurationError(fmt.Sprintf("invalid duration for %s", d.name), err)
		}
		*d.dst = v
	}
	if fc.MaxTransitions != 0 {
		cfg.MaxTransitions = fc.MaxTransitions
	}
	if fc.MaxConcurrentRequests != 0 {
		cfg.MaxConcurrentRequests = fc.MaxConcurrentRequests
	}
	if fc.PlanCachePath != "" {
		cfg.PlanCachePath = fc.PlanCachePath
	}
	if fc.EnableEventBus != nil {
		cfg.EnableEventBus = *fc.EnableEventBus
	}
	if fc.EventBusBufferSize != 0 {
		cfg.EventBusBufferSize = fc.EventBusBufferSize
	}
	if fc.EventBusWorkerCount != 0 {
		cfg.EventBusWorkerCount = fc.EventBusWorkerCount
	}
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Log.Format != "" {
		cfg.Log.Format = fc.Log.Format
	}
	return cfg, nil
}
