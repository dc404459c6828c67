// Package validate provides the default output validator and auto-fixer
// the CLI wires into agent sessions. Both are optional: the session core
// consumes the interfaces only.
package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"

	"github.com/almas/drover/pkg/agent"
)

// SchemaValidator judges candidates against a JSON Schema. A candidate
// passes when a JSON object can be extracted from it and that object
// satisfies the schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles a validator from raw schema JSON.
func NewSchemaValidator(schemaJSON []byte) (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// NewSchemaValidatorFromFile compiles a validator from a schema file.
func NewSchemaValidatorFromFile(path string) (*SchemaValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return NewSchemaValidator(data)
}

// Validate implements agent.OutputValidator.
func (v *SchemaValidator) Validate(candidate string) agent.ValidationResult {
	extracted, ok := ExtractJSON(candidate)
	if !ok {
		return agent.ValidationResult{
			Valid:  false,
			Errors: []string{"output must contain a JSON object"},
		}
	}

	result, err := v.schema.Validate(gojsonschema.NewStringLoader(extracted))
	if err != nil {
		return agent.ValidationResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("schema validation error: %v", err)},
		}
	}

	if result.Valid() {
		return agent.ValidationResult{Valid: true}
	}

	errors := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errors = append(errors, e.String())
	}
	return agent.ValidationResult{Valid: false, Errors: errors}
}

// Fixer is a deterministic best-effort transform applied after
// validation retries are exhausted: it salvages any extractable JSON
// object, and otherwise wraps the raw text into a rejected envelope.
type Fixer struct{}

// Fix implements agent.AutoFixer.
func (Fixer) Fix(candidate string) string {
	if extracted, ok := ExtractJSON(candidate); ok {
		return extracted
	}

	envelope := map[string]interface{}{
		"rejected": true,
		"raw":      candidate,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return candidate
	}
	return string(data)
}
