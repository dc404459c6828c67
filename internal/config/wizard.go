package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Drover Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Println("API Keys (at least one is required):")
	fmt.Println()

	// Anthropic API Key
	for {
		fmt.Print("Anthropic API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "anthropic"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "anthropic",
			Provider: "anthropic",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
		break
	}

	// OpenAI API Key
	for {
		fmt.Print("OpenAI API Key (press Enter to skip): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if key == "" {
			break
		}

		if err := validator.ValidateAPIKey(key, "openai"); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       "openai",
			Provider: "openai",
			APIKey:   key,
			Priority: len(cfg.AI.Profiles),
		})
		break
	}

	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	fmt.Println()

	// Default Model
	fmt.Println("Model:")
	fmt.Printf("Model name [%s]: ", cfg.Agent.Model)
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if model != "" {
		cfg.Agent.Model = model
		cfg.Models.Default = model
	}

	fmt.Println()

	// Worker count
	fmt.Println("Worker Pool:")
	fmt.Printf("Concurrent workers [%d]: ", cfg.Pool.Workers)
	workers, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil || n < 1 {
			fmt.Printf("Warning: invalid worker count %q, using default (%d)\n", workers, cfg.Pool.Workers)
		} else {
			cfg.Pool.Workers = n
		}
	}

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}

	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
