package toolreg

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidatePayload validates payload (an already-decoded JSON document)
// against desc.InputSchema, if one is set. A tool with no InputSchema
// accepts any payload.
func ValidatePayload(desc ToolDesc, payload map[string]any) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(desc.AID+".schema.json", desc.InputSchema); err != nil {
		return fmt.Errorf("toolreg: add schema resource for %q: %w", desc.AID, err)
	}
	schema, err := c.Compile(desc.AID + ".schema.json")
	if err != nil {
		return fmt.Errorf("toolreg: compile schema for %q: %w", desc.AID, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("toolreg: payload validation for %q: %w", desc.AID, err)
	}
	return nil
}
