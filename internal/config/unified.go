package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the single configuration file format for runloom.jsonc
type Config struct {
	Server    ServerSection    `json:"server"`
	Redis     RedisSection     `json:"redis"`
	Database  DatabaseSection  `json:"database"`
	Runs      RunsSection      `json:"runs"`
	Processor ProcessorSection `json:"processor"`
	Retry     RetrySection     `json:"retry"`
	Models    ModelsSection    `json:"models"`
	Providers ProvidersSection `json:"providers"`
	Cleanup   CleanupSection   `json:"cleanup"`
}

// ServerSection contains server configuration
type ServerSection struct {
	Address  string `json:"address"`
	DataDir  string `json:"data_dir"`
	LogDir   string `json:"log_dir"`
	JSONLogs bool   `json:"json_logs"`
	LogLevel string `json:"log_level"`
	// WorkerID overrides the generated worker identity
	WorkerID string `json:"worker_id,omitempty"`
}

// RedisSection configures the shared coordination store.
// An empty address selects the in-process store (single worker only).
type RedisSection struct {
	Address     string `json:"address"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db"`
	KeyTTLHours int    `json:"key_ttl_hours"`
}

// DatabaseSection configures the durable store
type DatabaseSection struct {
	// Path to the SQLite file; relative paths resolve under server.data_dir
	Path string `json:"path"`
}

// RunsSection controls run execution
type RunsSection struct {
	MaxConcurrent          int     `json:"max_concurrent"`
	LivenessRefreshSeconds int     `json:"liveness_refresh_seconds"`
	MaxAutoContinues       int     `json:"max_auto_continues"`
	StartsPerSecond        float64 `json:"starts_per_second"`
	StartBurst             int     `json:"start_burst"`
	SystemPrompt           string  `json:"system_prompt,omitempty"`
}

// ProcessorSection mirrors the response processor options
type ProcessorSection struct {
	XMLToolCalling        *bool  `json:"xml_tool_calling,omitempty"`
	NativeToolCalling     bool   `json:"native_tool_calling"`
	ExecuteTools          *bool  `json:"execute_tools,omitempty"`
	ExecuteOnStream       bool   `json:"execute_on_stream"`
	ToolExecutionStrategy string `json:"tool_execution_strategy"`
	XMLAddingStrategy     string `json:"xml_adding_strategy"`
	MaxXMLToolCalls       int    `json:"max_xml_tool_calls"`
}

// RetryRule configures one retry class
type RetryRule struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMs int     `json:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
}

// RetrySection configures the retry policy per error class
type RetrySection struct {
	Transient RetryRule `json:"transient"`
	Upstream  RetryRule `json:"upstream"`
}

// ModelsSection contains model definitions
type ModelsSection struct {
	Models   map[string]ModelDefinition `json:"models"`
	Default  string                     `json:"default"`
	Fallback string                     `json:"fallback"`
}

// CleanupSection configures the abandoned-run monitor
type CleanupSection struct {
	Enabled               bool   `json:"enabled"`
	Schedule              string `json:"schedule"`
	AbandonedAfterMinutes int    `json:"abandoned_after_minutes"`
}

// Load reads configuration from a runloom.jsonc file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse decodes JSONC configuration and applies defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Redis.KeyTTLHours == 0 {
		cfg.Redis.KeyTTLHours = 24
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "runloom.db"
	}

	if cfg.Runs.MaxConcurrent == 0 {
		cfg.Runs.MaxConcurrent = 16
	}
	if cfg.Runs.LivenessRefreshSeconds == 0 {
		cfg.Runs.LivenessRefreshSeconds = 60
	}
	if cfg.Runs.MaxAutoContinues == 0 {
		cfg.Runs.MaxAutoContinues = 25
	}
	if cfg.Runs.StartsPerSecond == 0 {
		cfg.Runs.StartsPerSecond = 2
	}
	if cfg.Runs.StartBurst == 0 {
		cfg.Runs.StartBurst = 5
	}

	if cfg.Processor.XMLToolCalling == nil {
		cfg.Processor.XMLToolCalling = boolPtr(true)
	}
	if cfg.Processor.ExecuteTools == nil {
		cfg.Processor.ExecuteTools = boolPtr(true)
	}
	if cfg.Processor.ToolExecutionStrategy == "" {
		cfg.Processor.ToolExecutionStrategy = "sequential"
	}
	if cfg.Processor.XMLAddingStrategy == "" {
		cfg.Processor.XMLAddingStrategy = "assistant_message"
	}

	if cfg.Retry.Transient.MaxAttempts == 0 {
		cfg.Retry.Transient = RetryRule{MaxAttempts: 3, InitialDelayMs: 500, MaxDelayMs: 4000, Multiplier: 2}
	}
	if cfg.Retry.Upstream.MaxAttempts == 0 {
		cfg.Retry.Upstream = RetryRule{MaxAttempts: 3, InitialDelayMs: 5000, MaxDelayMs: 5000, Multiplier: 1}
	}

	if cfg.Models.Models == nil {
		cfg.Models.Models = make(map[string]ModelDefinition)
	}
	if cfg.Providers.Credentials == nil {
		cfg.Providers.Credentials = make(map[string]ProviderCredential)
	}

	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = "*/5 * * * *"
	}
	if cfg.Cleanup.AbandonedAfterMinutes == 0 {
		cfg.Cleanup.AbandonedAfterMinutes = 30
	}
}

func boolPtr(b bool) *bool { return &b }

// KeyTTL returns the shared-store key lifetime
func (c *Config) KeyTTL() time.Duration {
	return time.Duration(c.Redis.KeyTTLHours) * time.Hour
}

// LivenessRefresh returns the liveness refresh interval
func (c *Config) LivenessRefresh() time.Duration {
	return time.Duration(c.Runs.LivenessRefreshSeconds) * time.Second
}

// Delay converts a millisecond setting to a duration
func (r RetryRule) Delay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// MaxDelay converts a millisecond setting to a duration
func (r RetryRule) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}
