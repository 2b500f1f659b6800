// Package elicitation derives the flat object schemas used by the MCP
// elicitation flow from Go structs and decodes the client's response back
// into them. Only the subset the protocol supports is produced: an object of
// primitive properties (string, number, integer, boolean) with optional enum
// constraints. Nested objects, arrays and composition keywords are rejected
// to keep client implementation cost low.
package elicitation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/Spartee/arcade-ai/mcp"
	"github.com/invopop/jsonschema"
)

var (
	// ErrNotStructPointer indicates the destination is not a non-nil struct pointer.
	ErrNotStructPointer = errors.New("elicitation: destination must be a non-nil pointer to a struct")
	// ErrUnsupportedShape indicates the struct reflects to something other
	// than a flat object of primitives.
	ErrUnsupportedShape = errors.New("elicitation: only flat objects of primitive fields are supported")
)

// DeriveSchema reflects the struct pointed to by ptr into the simplified
// elicitation schema. Exported fields become properties; json and jsonschema
// struct tags are honored; fields tagged omitempty are optional, all others
// required.
func DeriveSchema(ptr any) (mcp.ElicitationSchema, error) {
	if ptr == nil {
		return mcp.ElicitationSchema{}, ErrNotStructPointer
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return mcp.ElicitationSchema{}, ErrNotStructPointer
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(ptr)
	if s == nil || s.Type != "object" {
		return mcp.ElicitationSchema{}, ErrUnsupportedShape
	}

	out := mcp.ElicitationSchema{
		Type:       "object",
		Properties: make(map[string]mcp.PrimitiveSchemaDefinition),
	}
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			prop, err := toPrimitive(el.Value)
			if err != nil {
				return mcp.ElicitationSchema{}, fmt.Errorf("%w: property %q", err, el.Key)
			}
			out.Properties[el.Key] = prop
		}
	}
	if len(s.Required) > 0 {
		out.Required = append(out.Required, s.Required...)
	}
	return out, nil
}

func toPrimitive(s *jsonschema.Schema) (mcp.PrimitiveSchemaDefinition, error) {
	if s == nil {
		return mcp.PrimitiveSchemaDefinition{}, ErrUnsupportedShape
	}
	switch s.Type {
	case "string", "number", "integer", "boolean":
	default:
		return mcp.PrimitiveSchemaDefinition{}, ErrUnsupportedShape
	}
	p := mcp.PrimitiveSchemaDefinition{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Minimum != "" {
		if f, err := s.Minimum.Float64(); err == nil {
			p.Minimum = f
		}
	}
	if s.Maximum != "" {
		if f, err := s.Maximum.Float64(); err == nil {
			p.Maximum = f
		}
	}
	return p, nil
}

// DecodeOption adjusts Decode behavior.
type DecodeOption func(*decodeConfig)

type decodeConfig struct {
	strict bool
}

// WithStrictKeys rejects properties in the response beyond those declared on
// the destination struct. Without it, unknown keys are ignored so clients can
// evolve UI metadata without breaking servers.
func WithStrictKeys() DecodeOption {
	return func(c *decodeConfig) { c.strict = true }
}

// Decode hydrates the destination struct from the content map the client
// returned. The destination is not mutated on failure.
func Decode(content map[string]any, ptr any, opts ...DecodeOption) error {
	if ptr == nil {
		return ErrNotStructPointer
	}
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotStructPointer
	}
	cfg := decodeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("elicitation: encode content: %w", err)
	}

	// Decode into a shadow value so a validation failure leaves ptr untouched.
	shadow := reflect.New(v.Elem().Type())
	dec := json.NewDecoder(bytes.NewReader(b))
	if cfg.strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(shadow.Interface()); err != nil {
		return fmt.Errorf("elicitation: decode content: %w", err)
	}
	v.Elem().Set(shadow.Elem())
	return nil
}
