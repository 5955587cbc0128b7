package audit

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// shapeValidator checks raw payloads of the built-in collections against their
// embedded JSON schemas
type shapeValidator struct {
	schemas map[Collection]*santhosh.Schema
}

func newShapeValidator() (*shapeValidator, error) {
	v := &shapeValidator{schemas: make(map[Collection]*santhosh.Schema)}
	for _, c := range WatchedCollections() {
		name := "schemas/" + string(c) + ".json"
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		compiler := santhosh.NewCompiler()
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[c] = schema
	}
	return v, nil
}

// validate returns ErrShapeViolation wrapped with the validator's message when raw
// does not satisfy the collection schema. Collections without a schema pass.
func (v *shapeValidator) validate(c Collection, raw map[string]interface{}) error {
	schema, ok := v.schemas[c]
	if !ok {
		return nil
	}
	if err := schema.Validate(map[string]interface{}(raw)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShapeViolation, c, err)
	}
	return nil
}

// normalize round-trips a payload through encoding/json so that numbers, nested
// maps and slices have the same dynamic types regardless of the source driver
func normalize(raw map[string]interface{}) (map[string]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeViolation, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeViolation, err)
	}
	return out, nil
}
