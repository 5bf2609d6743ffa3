package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const broadcastSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "text": {"type": "string", "minLength": 1, "maxLength": 1000},
    "click": {"const": true},
    "group_id": {"type": "string"}
  },
  "oneOf": [
    {"required": ["text"]},
    {"required": ["click"]}
  ]
}`

const billboardSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["text"],
  "properties": {
    "text": {"type": "string", "minLength": 1, "maxLength": 1000},
    "max_length": {"type": "integer", "minimum": 0},
    "group_id": {"type": "string"}
  }
}`

const gateSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "group_id": {"type": "string"},
    "warning_group_id": {"type": "string"}
  }
}`

type schemaSet struct {
	broadcast *jsonschema.Schema
	billboard *jsonschema.Schema
	gate      *jsonschema.Schema
}

func compileSchemas() (schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"broadcast.json": broadcastSchema,
		"billboard.json": billboardSchema,
		"gate.json":      gateSchema,
	}
	for name, schema := range resources {
		if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
			return schemaSet{}, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	var set schemaSet
	var err error
	if set.broadcast, err = compiler.Compile("broadcast.json"); err != nil {
		return schemaSet{}, fmt.Errorf("compile broadcast schema: %w", err)
	}
	if set.billboard, err = compiler.Compile("billboard.json"); err != nil {
		return schemaSet{}, fmt.Errorf("compile billboard schema: %w", err)
	}
	if set.gate, err = compiler.Compile("gate.json"); err != nil {
		return schemaSet{}, fmt.Errorf("compile gate schema: %w", err)
	}
	return set, nil
}

// decodeValidated checks raw against schema, then decodes it into out.
// An empty body is treated as {}.
func decodeValidated(schema *jsonschema.Schema, raw []byte, out any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
