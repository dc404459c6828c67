package toolinvoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/almas/drover/internal/observability"
	"github.com/almas/drover/internal/tracing"
	"github.com/almas/drover/pkg/ratelimit"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// Dependency names the rate-limited external dependency this tool
	// calls, if any. Empty means unthrottled.
	Dependency string `json:"dependency,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Result represents the outcome of a tool invocation. Failures are data,
// not errors: the agent loop feeds them back to the model.
type Result struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Invoker manages and invokes tools on behalf of agent sessions.
type Invoker struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	limiter *ratelimit.Registry
	timeout time.Duration
	mu      sync.RWMutex
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithRateLimiter throttles tools through the given registry, keyed by
// each tool's Dependency.
func WithRateLimiter(r *ratelimit.Registry) Option {
	return func(inv *Invoker) {
		inv.limiter = r
	}
}

// WithTimeout sets the default per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(inv *Invoker) {
		inv.timeout = d
	}
}

// New creates a new Invoker
func New(opts ...Option) *Invoker {
	inv := &Invoker{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(inv)
	}

	log.Info().Msg("Tool invoker initialized")

	return inv
}

// Register registers a new tool
func (inv *Invoker) Register(def ToolDefinition) error {
	if err := inv.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := inv.generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.tools[def.Name] = &def
	inv.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (inv *Invoker) Unregister(name string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	delete(inv.tools, name)
	delete(inv.schemas, name)
}

// Get returns a tool definition by name
func (inv *Invoker) Get(name string) *ToolDefinition {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.tools[name]
}

// List returns all registered tool definitions.
func (inv *Invoker) List() []*ToolDefinition {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	tools := make([]*ToolDefinition, 0, len(inv.tools))
	for _, def := range inv.tools {
		tools = append(tools, def)
	}
	return tools
}

// Specs exports every registered tool in the shape model providers
// expect: name, description and a JSON Schema under input_schema.
func (inv *Invoker) Specs() []interface{} {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	specs := make([]interface{}, 0, len(inv.tools))
	for _, def := range inv.tools {
		properties := map[string]interface{}{}
		required := []interface{}{}

		for _, param := range def.Parameters {
			paramSchema := map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Default != nil {
				paramSchema["default"] = param.Default
			}
			properties[param.Name] = paramSchema
			if param.Required {
				required = append(required, param.Name)
			}
		}

		inputSchema := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			inputSchema["required"] = required
		}

		specs = append(specs, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": inputSchema,
		})
	}
	return specs
}

// Count returns the number of registered tools
func (inv *Invoker) Count() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return len(inv.tools)
}

// Invoke runs a tool with the given arguments. Invocation failures
// (unknown tool, invalid arguments, handler error, timeout) are returned
// inside the Result; the error return is reserved for context
// cancellation while waiting on a rate limit.
func (inv *Invoker) Invoke(ctx context.Context, toolName string, params map[string]interface{}) (Result, error) {
	startTime := time.Now()

	inv.mu.RLock()
	tool := inv.tools[toolName]
	schema := inv.schemas[toolName]
	limiter := inv.limiter
	timeout := inv.timeout
	inv.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		observability.RecordToolInvocation(toolName, time.Since(startTime), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}, nil
	}

	if err := inv.validateParameters(schema, params); err != nil {
		log.Error().Str("tool", toolName).Err(err).Msg("Argument validation failed")
		observability.RecordToolInvocation(toolName, time.Since(startTime), false)
		return Result{
			Success: false,
			Error:   fmt.Sprintf("argument validation failed: %v", err),
		}, nil
	}

	if limiter != nil && tool.Dependency != "" {
		if err := limiter.Acquire(ctx, tool.Dependency); err != nil {
			return Result{}, fmt.Errorf("rate limit wait for %s: %w", tool.Dependency, err)
		}
	}

	log.Debug().Str("tool", toolName).Msg("Invoking tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		duration := time.Since(startTime)
		output, truncated := truncateOutput(result)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool invocation completed")
		observability.RecordToolInvocation(toolName, duration, true)
		observability.RecordToolAudit(ctx, toolName, tracing.GetWorkerID(ctx), "success", nil)

		return Result{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}, nil

	case err := <-errChan:
		duration := time.Since(startTime)

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Err(err).
			Msg("Tool invocation failed")
		observability.RecordToolInvocation(toolName, duration, false)

		return Result{
			Success: false,
			Error:   err.Error(),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}, nil

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool invocation timeout")
		observability.RecordToolInvocation(toolName, duration, false)

		return Result{
			Success: false,
			Error:   fmt.Sprintf("tool invocation timeout after %v", timeout),
			Metadata: map[string]interface{}{
				"duration": duration.Milliseconds(),
			},
		}, nil
	}
}

// validateToolDefinition validates a tool definition
func (inv *Invoker) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}

		validTypes := map[string]bool{
			"string": true, "number": true, "boolean": true,
			"object": true, "array": true, "integer": true,
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func (inv *Invoker) generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}

		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	schemaLoader := gojsonschema.NewGoLoader(schemaMap)
	schema, err := gojsonschema.NewSchema(schemaLoader)
	if err != nil {
		return nil, err
	}

	return schema, nil
}

// validateParameters validates arguments against a JSON Schema
func (inv *Invoker) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	paramsLoader := gojsonschema.NewGoLoader(params)
	result, err := schema.Validate(paramsLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output interface{}) (interface{}, bool) {
	const maxSize = 10 * 1024 // 10KB

	str := fmt.Sprintf("%v", output)

	if len(str) <= maxSize {
		return output, false
	}

	truncated := str[:maxSize] + "\n... [output truncated]"
	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return truncated, true
}
