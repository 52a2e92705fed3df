package agents

import (
	"fmt"
	"math"
	"sort"
)

// validateInput checks input against the subset of JSON Schema agents use:
// "required" property names and the primitive "type" of each declared
// property. A nil schema accepts anything.
func validateInput(schema map[string]any, input map[string]any) error {
	if schema == nil {
		return nil
	}

	for _, name := range requiredNames(schema["required"]) {
		if _, ok := input[name]; !ok {
			return fmt.Errorf("%w: missing required property %q", ErrInvalidInput, name)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, present := input[name]
		if !present || v == nil {
			continue
		}
		prop, _ := props[name].(map[string]any)
		want, _ := prop["type"].(string)
		if want != "" && !matchesType(want, v) {
			return fmt.Errorf("%w: property %q must be %s, got %T", ErrInvalidInput, name, want, v)
		}
	}
	return nil
}

func requiredNames(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func matchesType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
