package jsonschema

import (
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonschema"
)

// Validator wraps a compiled JSON Schema for validation
type Validator struct {
	schema *jsonschema.Schema
}

var (
	fileCache   = map[string]*Validator{}
	fileCacheMu sync.Mutex
)

// New compiles a JSON Schema and returns a validator
// Accepts map[string]interface{}, []byte, string, or any JSON-serializable value
func New(schema interface{}) (*Validator, error) {
	var schemaBytes []byte
	var err error

	switch v := schema.(type) {
	case string:
		schemaBytes = []byte(v)
	case []byte:
		schemaBytes = v
	default:
		schemaBytes, err = jsoniter.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
	}

	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON Schema: %w", err)
	}

	return &Validator{schema: compiled}, nil
}

// Load compiles the JSON Schema stored at path. Compiled schemas are cached
// process-wide, the profile table is immutable after startup so the cache
// never needs invalidation.
func Load(path string) (*Validator, error) {
	fileCacheMu.Lock()
	defer fileCacheMu.Unlock()

	if v, has := fileCache[path]; has {
		return v, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}

	v, err := New(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}

	fileCache[path] = v
	return v, nil
}

// Validate validates data against the compiled JSON Schema
func (v *Validator) Validate(data interface{}) error {
	result := v.schema.Validate(data)
	if !result.IsValid() {
		var msg string
		for field, err := range result.Errors {
			if msg != "" {
				msg += "; "
			}
			msg += fmt.Sprintf("%s: %s", field, err.Message)
		}
		return fmt.Errorf("validation failed: %s", msg)
	}
	return nil
}

// ValidatePhase validates data and labels the failure with the conversion
// phase it belongs to, e.g. "anthropic-default:incoming"
func (v *Validator) ValidatePhase(phase string, data interface{}) error {
	if err := v.Validate(data); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	return nil
}

// ValidateData validates data against a JSON Schema (one-shot validation)
func ValidateData(schema interface{}, data interface{}) error {
	validator, err := New(schema)
	if err != nil {
		return err
	}
	return validator.Validate(data)
}
