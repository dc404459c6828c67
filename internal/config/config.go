package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Drover configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Task database path
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Worker pool
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Agent sessions
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Output validation
	Validation ValidationConfig `json:"validation" mapstructure:"validation"`

	// Context compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Rate limits keyed by dependency name
	RateLimits map[string]RateLimitConfig `json:"rate_limits" mapstructure:"rate_limits"`

	// Task ingestion
	Ingest IngestConfig `json:"ingest" mapstructure:"ingest"`

	// Result export
	Export ExportConfig `json:"export" mapstructure:"export"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Background maintenance
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Workers          int `json:"workers" mapstructure:"workers"`
	PollIntervalMs   int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ShutdownTimeoutS int `json:"shutdown_timeout_s" mapstructure:"shutdown_timeout_s"`
}

// AgentConfig holds per-task agent session configuration
type AgentConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// ValidationConfig holds output validation settings
type ValidationConfig struct {
	MaxAttempts int    `json:"max_attempts" mapstructure:"max_attempts"`
	AutoFix     bool   `json:"auto_fix" mapstructure:"auto_fix"`
	SchemaPath  string `json:"schema_path" mapstructure:"schema_path"`
}

// CompactionConfig holds context compaction settings
type CompactionConfig struct {
	Enabled      bool `json:"enabled" mapstructure:"enabled"`
	MaxMessages  int  `json:"max_messages" mapstructure:"max_messages"`
	PreserveHead int  `json:"preserve_head" mapstructure:"preserve_head"`
	PreserveTail int  `json:"preserve_tail" mapstructure:"preserve_tail"`
	MaxWiden     int  `json:"max_widen" mapstructure:"max_widen"`
}

// RateLimitConfig holds a token bucket definition for one dependency
type RateLimitConfig struct {
	Enabled       bool    `json:"enabled" mapstructure:"enabled"`
	RatePerMinute float64 `json:"rate_per_minute" mapstructure:"rate_per_minute"`
	Burst         int     `json:"burst" mapstructure:"burst"`
}

// IngestConfig holds task ingestion settings
type IngestConfig struct {
	DropDir string `json:"drop_dir" mapstructure:"drop_dir"`
	Watch   bool   `json:"watch" mapstructure:"watch"`
}

// ExportConfig holds result export settings
type ExportConfig struct {
	Dir string `json:"dir" mapstructure:"dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// JanitorConfig holds background maintenance schedules
type JanitorConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	StatsSpec      string `json:"stats_spec" mapstructure:"stats_spec"`
	CheckpointSpec string `json:"checkpoint_spec" mapstructure:"checkpoint_spec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default  string   `json:"default" mapstructure:"default"`
	Fallback []string `json:"fallback" mapstructure:"fallback"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		DBPath:  "",
		Pool: PoolConfig{
			Workers:          4,
			PollIntervalMs:   500,
			ShutdownTimeoutS: 30,
		},
		Agent: AgentConfig{
			Model:         "claude-sonnet-4",
			Temperature:   0.7,
			MaxTokens:     4096,
			MaxIterations: 10,
		},
		Validation: ValidationConfig{
			MaxAttempts: 3,
			AutoFix:     true,
		},
		Compaction: CompactionConfig{
			Enabled:      true,
			MaxMessages:  40,
			PreserveHead: 1,
			PreserveTail: 20,
		},
		RateLimits: map[string]RateLimitConfig{
			"model": {
				Enabled:       true,
				RatePerMinute: 50,
				Burst:         5,
			},
		},
		Ingest: IngestConfig{
			Watch: false,
		},
		Export: ExportConfig{},
		Gateway: GatewayConfig{
			Enabled:      false,
			Port:         8080,
			Host:         "0.0.0.0",
			SharedSecret: "",
		},
		Janitor: JanitorConfig{
			Enabled:        true,
			StatsSpec:      "@every 1m",
			CheckpointSpec: "@every 15m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Models: ModelsConfig{
			Default:  "claude-sonnet-4",
			Fallback: []string{"claude-sonnet-4", "gpt-4-turbo"},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be >= 1, got %d", c.Pool.Workers)
	}
	if c.Pool.PollIntervalMs < 0 {
		return fmt.Errorf("pool.poll_interval_ms must be >= 0")
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1, got %d", c.Agent.MaxIterations)
	}

	if c.Validation.MaxAttempts < 1 {
		return fmt.Errorf("validation.max_attempts must be >= 1, got %d", c.Validation.MaxAttempts)
	}

	if c.Compaction.Enabled {
		if c.Compaction.MaxMessages < c.Compaction.PreserveHead+c.Compaction.PreserveTail {
			return fmt.Errorf("compaction.max_messages must be >= preserve_head + preserve_tail")
		}
	}

	for name, rl := range c.RateLimits {
		if rl.RatePerMinute < 0 {
			return fmt.Errorf("rate limit %s: rate_per_minute must be >= 0", name)
		}
		if rl.Burst < 0 {
			return fmt.Errorf("rate limit %s: burst must be >= 0", name)
		}
	}

	return nil
}
