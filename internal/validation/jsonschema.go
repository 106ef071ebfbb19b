package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pipedock/pipedock/pkg/schema"
)

// workflowSchemaJSON is the structural contract for JSON-declared workflow
// configs. Semantic rules (operation registration, group membership) are
// enforced separately by ValidateConfig.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipedock.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "parallel_groups": {
      "type": "array",
      "items": {
        "type": "array",
        "minItems": 1,
        "items": {"type": "string", "minLength": 1}
      }
    },
    "rollback_steps": {
      "type": "array",
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "operation", "timeout_ms"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "operation": {"type": "string", "minLength": 1},
        "required": {"type": "boolean"},
        "retryable": {"type": "boolean"},
        "max_retries": {"type": "integer", "minimum": 0},
        "timeout_ms": {"type": "integer", "minimum": 1},
        "on_error": {"enum": ["fail", "skip", "continue"]},
        "condition": {"type": "string"},
        "params": {"type": "object"},
        "params_query": {"type": "string"},
        "input_schema": {"type": "object"}
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates raw workflow definitions and per-step input
// documents against JSON Schemas. The workflow schema is compiled once; any
// step-level input schemas are compiled on demand and cached by step name.
type JSONSchemaValidator struct {
	workflow *jsonschema.Schema

	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(workflowSchemaJSON)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid embedded workflow schema").WithCause(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("workflow.json", doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to register workflow schema").WithCause(err)
	}
	compiled, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to compile workflow schema").WithCause(err)
	}
	return &JSONSchemaValidator{
		workflow: compiled,
		compiled: make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a raw JSON workflow document against the embedded
// workflow schema before it is decoded into a WorkflowConfig.
func (v *JSONSchemaValidator) ValidateDefinition(raw []byte) *schema.ValidationResult {
	result := schema.NewValidationResult()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddError("$", schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
		return result
	}
	if err := v.workflow.Validate(doc); err != nil {
		collectViolations(err, result)
	}
	return result
}

// ValidateInput checks step parameters against a step-scoped input schema.
// The schema is compiled on first use and reused afterwards.
func (v *JSONSchemaValidator) ValidateInput(stepName string, inputSchema json.RawMessage, params map[string]any) *schema.ValidationResult {
	result := schema.NewValidationResult()
	if len(inputSchema) == 0 {
		return result
	}
	compiled, err := v.getOrCompile(stepName, inputSchema)
	if err != nil {
		result.AddError("$", schema.ErrCodeValidation,
			fmt.Sprintf("step %s input schema: %v", stepName, err))
		return result
	}
	doc, err := toJSONValue(params)
	if err != nil {
		result.AddError("$", schema.ErrCodeValidation, err.Error())
		return result
	}
	if err := compiled.Validate(doc); err != nil {
		collectViolations(err, result)
	}
	return result
}

func (v *JSONSchemaValidator) getOrCompile(stepName string, inputSchema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.RLock()
	compiled, ok := v.compiled[stepName]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if compiled, ok := v.compiled[stepName]; ok {
		return compiled, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inputSchema))
	if err != nil {
		return nil, err
	}
	// Each dynamic schema gets its own compiler so step schemas cannot
	// collide on $id.
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("input/%s.json", stepName)
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	compiled, err = compiler.Compile(resource)
	if err != nil {
		return nil, err
	}
	v.compiled[stepName] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so the validator sees
// json.Number and plain maps rather than arbitrary Go types.
func toJSONValue(value any) (any, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value not JSON-encodable: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
}

// collectViolations walks a ValidationError tree and records each leaf as a
// separate issue keyed by its instance location.
func collectViolations(err error, result *schema.ValidationResult) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("$", schema.ErrCodeValidation, err.Error())
		return
	}
	for _, leaf := range flatten(verr) {
		loc := "/"
		if len(leaf.InstanceLocation) > 0 {
			loc = "/" + strings.Join(leaf.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ErrCodeValidation, leaf.Error())
	}
}

func flatten(verr *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(verr.Causes) == 0 {
		return []*jsonschema.ValidationError{verr}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range verr.Causes {
		leaves = append(leaves, flatten(cause)...)
	}
	return leaves
}
