package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// compileSchema compiles a tool's inputSchema. The schema is
// round-tripped through JSON so in-memory values such as []string are
// in the shape the compiler expects.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalize(schema)
	if err != nil {
		return nil, fmt.Errorf("normalize schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// validateArgs checks args against the descriptor's compiled schema.
// Descriptors without one accept anything.
func (d *Descriptor) validateArgs(args map[string]any) error {
	if d.validator == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	doc, err := normalize(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON: %w", err)
	}
	return d.validator.Validate(doc)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}
