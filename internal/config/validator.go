package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	knownModels := []string{
		"claude-opus-4",
		"claude-sonnet-4",
		"claude-haiku-4",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}

	for _, known := range knownModels {
		if model == known {
			return nil
		}
	}

	// Allow custom models
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSpec validates a cron schedule expression accepted by robfig/cron
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil // Use default
	}
	if strings.HasPrefix(spec, "@") {
		return nil // descriptor form, parsed at scheduler start
	}
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return fmt.Errorf("invalid cron spec %q: expected 5 fields, got %d", spec, len(fields))
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateModel(cfg.Agent.Model); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.Temperature != 0 {
		if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}
	if cfg.Agent.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}

	if cfg.Pool.Workers < 1 {
		errors = append(errors, fmt.Errorf("pool.workers must be >= 1"))
	}
	if cfg.Pool.ShutdownTimeoutS < 0 {
		errors = append(errors, fmt.Errorf("pool.shutdown_timeout_s must be >= 0"))
	}

	if cfg.Validation.MaxAttempts < 1 {
		errors = append(errors, fmt.Errorf("validation.max_attempts must be >= 1"))
	}

	if cfg.Compaction.Enabled {
		if cfg.Compaction.PreserveHead < 0 || cfg.Compaction.PreserveTail < 1 {
			errors = append(errors, fmt.Errorf("compaction preserve_head must be >= 0 and preserve_tail >= 1"))
		}
		if cfg.Compaction.MaxMessages < cfg.Compaction.PreserveHead+cfg.Compaction.PreserveTail {
			errors = append(errors, fmt.Errorf("compaction.max_messages must be >= preserve_head + preserve_tail"))
		}
	}

	for name, rl := range cfg.RateLimits {
		if rl.Enabled && rl.RatePerMinute <= 0 {
			errors = append(errors, fmt.Errorf("rate limit %s: rate_per_minute must be > 0 when enabled", name))
		}
	}

	if cfg.Janitor.Enabled {
		if err := v.ValidateCronSpec(cfg.Janitor.StatsSpec); err != nil {
			errors = append(errors, err)
		}
		if err := v.ValidateCronSpec(cfg.Janitor.CheckpointSpec); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
