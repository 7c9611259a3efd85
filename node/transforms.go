package node

import (
	"context"
	"fmt"
	"maps"

	"github.com/NiccoloCase/cognitive-workflow/internal/util"
)

// Builtins returns the transforms every Executor knows:
//
//	identity  copies the input
//	pick      keeps config["fields"] ([]string) from the input
//	set       merges config["values"] (map) over the input
//	template  renders config["template"] against the input into config["output_key"] (default "text")
func Builtins() map[string]TransformFunc {
	return map[string]TransformFunc{
		"identity": identity,
		"pick":     pick,
		"set":      set,
		"template": renderTemplate,
	}
}

func identity(_ context.Context, input, _ map[string]any) (map[string]any, error) {
	return maps.Clone(input), nil
}

func pick(_ context.Context, input, config map[string]any) (map[string]any, error) {
	fields, err := stringList(config["fields"])
	if err != nil {
		return nil, fmt.Errorf("pick: %w", err)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := input[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func set(_ context.Context, input, config map[string]any) (map[string]any, error) {
	values, _ := config["values"].(map[string]any)
	out := maps.Clone(input)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, values)
	return out, nil
}

func renderTemplate(_ context.Context, input, config map[string]any) (map[string]any, error) {
	text, _ := config["template"].(string)
	if text == "" {
		return nil, fmt.Errorf("template: config.template is required")
	}
	key, _ := config["output_key"].(string)
	if key == "" {
		key = "text"
	}
	rendered, err := util.RenderTemplate(text, input)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return map[string]any{key: rendered}, nil
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("fields must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("fields is required")
	default:
		return nil, fmt.Errorf("fields must be a list, got %T", v)
	}
}
