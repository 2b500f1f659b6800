package mcpservice

import (
	"encoding/json"
	"fmt"

	"github.com/Spartee/arcade-ai/mcp"
)

// validateArguments checks raw tool-call arguments against the descriptor's
// input schema. Violations return ErrInvalidArguments wrapped with a
// path-qualified message so clients can locate the offending field.
func validateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	var args map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("%w: arguments: expected object: %v", ErrInvalidArguments, err)
		}
	}

	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("%w: arguments.%s: required property missing", ErrInvalidArguments, req)
		}
	}

	for name, value := range args {
		prop, known := schema.Properties[name]
		if !known {
			if schema.AdditionalProperties {
				continue
			}
			return fmt.Errorf("%w: arguments.%s: unknown property", ErrInvalidArguments, name)
		}
		if err := validateValue("arguments."+name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, prop mcp.SchemaProperty, raw json.RawMessage) error {
	if prop.Type == "" {
		return nil
	}
	switch prop.Type {
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %s: expected string", ErrInvalidArguments, path)
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, s) {
			return fmt.Errorf("%w: %s: value %q not in enum", ErrInvalidArguments, path, s)
		}
	case "number":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("%w: %s: expected number", ErrInvalidArguments, path)
		}
	case "integer":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f != float64(int64(f)) {
			return fmt.Errorf("%w: %s: expected integer", ErrInvalidArguments, path)
		}
	case "boolean":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("%w: %s: expected boolean", ErrInvalidArguments, path)
		}
	case "array":
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%w: %s: expected array", ErrInvalidArguments, path)
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("%w: %s: expected object", ErrInvalidArguments, path)
		}
		for name, sub := range prop.Properties {
			if v, ok := obj[name]; ok {
				if err := validateValue(path+"."+name, sub, v); err != nil {
					return err
				}
			}
		}
	default:
		// Unknown schema node types pass through rather than block calls.
	}
	return nil
}

func enumContains(enum []any, s string) bool {
	for _, e := range enum {
		if es, ok := e.(string); ok && es == s {
			return true
		}
	}
	return false
}
