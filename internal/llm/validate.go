package llm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache caches compiled JSON schemas by name and definition digest.
var schemaCache sync.Map // map[string]*jsonschema.Schema

// CompileSchema checks that schema is a valid JSON schema and caches the
// compiled form for ValidateJSON.
func CompileSchema(schema *Schema) error {
	if schema == nil {
		return nil
	}
	if _, err := getCompiledSchema(schema); err != nil {
		return fmt.Errorf("compile schema %q: %w", schema.Name, err)
	}
	return nil
}

// ValidateJSON validates raw against schema. A nil schema accepts
// anything. Content that is not JSON or does not satisfy the schema is an
// *ErrInvalidResponse; a schema that does not compile is a plain error,
// since no response could ever satisfy it.
func ValidateJSON(schema *Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}

	compiled, err := getCompiledSchema(schema)
	if err != nil {
		return fmt.Errorf("compile schema %q: %w", schema.Name, err)
	}

	// Numbers are kept as json.Number so integer checks are exact.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ErrInvalidResponse{Content: raw, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if err := compiled.Validate(parsed); err != nil {
		return &ErrInvalidResponse{Content: raw, Err: fmt.Errorf("schema validation failed: %w", err)}
	}
	return nil
}

// getCompiledSchema returns a cached compiled schema or compiles and caches
// it. Label templates can be edited between experiments, so the cache key
// includes a digest of the definition.
func getCompiledSchema(schema *Schema) (*jsonschema.Schema, error) {
	defBytes, err := json.Marshal(schema.Definition)
	if err != nil {
		return nil, fmt.Errorf("marshal schema definition: %w", err)
	}
	sum := sha256.Sum256(defBytes)
	key := schema.Name + "-" + hex.EncodeToString(sum[:8])

	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	defParsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(defBytes))
	if err != nil {
		return nil, fmt.Errorf("parse schema definition: %w", err)
	}

	c := jsonschema.NewCompiler()
	schemaURL := fmt.Sprintf("schema://%s.json", key)
	if err := c.AddResource(schemaURL, defParsed); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}

	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	schemaCache.Store(key, compiled)
	return compiled, nil
}
