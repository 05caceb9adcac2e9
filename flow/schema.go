package flow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tokenflow/tokenflow-go/flow/store"
)

// ValidationResult reports the outcome of validating one context namespace
// against its declared JSON Schema.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// schemaSet holds the compiled JSON Schemas of a definition, keyed by the
// context namespace they validate. Namespaces without a declared schema are
// unvalidated and always pass.
type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func compileSchemas(def *Definition) (*schemaSet, error) {
	sources := map[string]string{
		store.NamespaceInput:  def.InputSchema,
		store.NamespaceState:  def.StateSchema,
		store.NamespaceOutput: def.OutputSchema,
	}

	s := &schemaSet{compiled: make(map[string]*jsonschema.Schema)}
	for namespace, source := range sources {
		if source == "" {
			continue
		}
		schema, err := jsonschema.CompileString(namespace+".schema.json", source)
		if err != nil {
			return nil, &EngineError{
				Code:    "DEFINITION_INVALID",
				Message: fmt.Sprintf("%s schema does not compile: %v", namespace, err),
			}
		}
		s.compiled[namespace] = schema
	}
	return s, nil
}

// validate checks a namespace document against its schema. The document is
// round-tripped through JSON first so in-memory values (ints, structs) are
// normalized to the types the validator expects.
func (s *schemaSet) validate(namespace string, doc map[string]any) ValidationResult {
	schema, ok := s.compiled[namespace]
	if !ok {
		return ValidationResult{Valid: true}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("document is not serializable: %v", err)}}
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("document round-trip failed: %v", err)}}
	}

	if err := schema.Validate(normalized); err != nil {
		result := ValidationResult{}
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range ve.BasicOutput().Errors {
				if cause.Error != "" {
					result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", cause.InstanceLocation, cause.Error))
				}
			}
		}
		if len(result.Errors) == 0 {
			result.Errors = []string{err.Error()}
		}
		return result
	}
	return ValidationResult{Valid: true}
}

// check wraps validate for internal callers that treat violations as
// engine errors.
func (s *schemaSet) check(namespace string, doc map[string]any) error {
	result := s.validate(namespace, doc)
	if result.Valid {
		return nil
	}
	return &EngineError{
		Code:    "SCHEMA_VALIDATION_FAILED",
		Message: fmt.Sprintf("namespace %s: %v", namespace, result.Errors),
	}
}
