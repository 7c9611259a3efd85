package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents a shape violation with detailed information.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Value   any    `json:"value"`   // Value that was provided
	Message string `json:"message"` // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// CompileSchema compiles a JSON Schema document held as a generic map. An empty
// document yields a nil schema, which accepts any value.
func CompileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://cogflow.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// ValidateValue checks v against s. Values are normalized through JSON first so
// Go ints, structs and typed maps validate the same way decoded JSON does.
func ValidateValue(s *jsonschema.Schema, v any) error {
	if s == nil {
		return nil
	}
	norm, err := Normalize(v)
	if err != nil {
		return err
	}
	return s.Validate(norm)
}

// Normalize round-trips v through encoding/json, preserving number precision.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// FieldTypes extracts the declared top-level property types of an object schema.
// ok is false when the schema does not describe properties, meaning the shape is
// unknown and compatibility cannot be judged.
func FieldTypes(schema map[string]any) (types map[string]string, ok bool) {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil, false
	}
	types = make(map[string]string, len(props))
	for name, p := range props {
		pm, _ := p.(map[string]any)
		t, _ := pm["type"].(string)
		types[name] = t
	}
	return types, true
}

// RequiredFields lists the required top-level fields of an object schema, sorted.
func RequiredFields(schema map[string]any) []string {
	var out []string
	switch req := schema["required"].(type) {
	case []string:
		out = append(out, req...)
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CheckProvided verifies that the fields an input schema requires are supplied
// by the provided field set, with matching types where both sides declare one.
func CheckProvided(input map[string]any, provided map[string]string) error {
	inTypes, _ := FieldTypes(input)
	var problems []string
	for _, field := range RequiredFields(input) {
		got, ok := provided[field]
		if !ok {
			problems = append(problems, fmt.Sprintf("required field %q not produced upstream", field))
			continue
		}
		want := inTypes[field]
		if want != "" && got != "" && !typesCompatible(want, got) {
			problems = append(problems, fmt.Sprintf("field %q: upstream produces %s, input expects %s", field, got, want))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Field: "input", Message: strings.Join(problems, "; ")}
	}
	return nil
}

func typesCompatible(want, got string) bool {
	if want == got {
		return true
	}
	return want == "number" && got == "integer"
}
