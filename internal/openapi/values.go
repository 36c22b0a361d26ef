// internal/openapi/values.go
package openapi

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const maxDepth = 8

// paramValue picks the value used for a parameter: example, default, first
// enum value, then whatever the schema yields, then a type placeholder.
func (d *Document) paramValue(p Parameter) string {
	if v, ok := firstValue(p.Example, p.Default, p.Enum); ok {
		return formatValue(v)
	}
	if p.Schema != nil {
		if s := d.resolveSchema(p.Schema); s != nil {
			if v, ok := firstValue(s.Example, s.Default, s.Enum); ok {
				return formatValue(v)
			}
			return typeFallback(s.Type)
		}
	}
	if p.Type == "array" && p.Items != nil {
		if v, ok := firstValue(p.Items.Example, p.Items.Default, p.Items.Enum); ok {
			return formatValue(v)
		}
		return typeFallback(p.Items.Type)
	}
	return typeFallback(p.Type)
}

func firstValue(example, def any, enum []any) (any, bool) {
	switch {
	case example != nil:
		return example, true
	case def != nil:
		return def, true
	case len(enum) > 0 && enum[0] != nil:
		return enum[0], true
	}
	return nil, false
}

func typeFallback(t string) string {
	switch t {
	case "integer", "number":
		return "0"
	case "boolean":
		return "true"
	}
	return "string"
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	data, err := json.Marshal(normalize(v))
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// exampleFor materialises an example value for a schema. Objects carry
// their required properties first, then those with an explicit example or
// default; when neither exists every property is included.
func (d *Document) exampleFor(s *Schema, depth int) any {
	s = d.resolveSchema(s)
	if s == nil || depth > maxDepth {
		return nil
	}
	if v, ok := firstValue(s.Example, s.Default, s.Enum); ok {
		return normalize(v)
	}

	if len(s.AllOf) > 0 {
		merged := map[string]any{}
		for _, part := range s.AllOf {
			if obj, ok := d.exampleFor(part, depth+1).(map[string]any); ok {
				for k, v := range obj {
					merged[k] = v
				}
			}
		}
		return merged
	}

	switch {
	case s.Type == "object" || (s.Type == "" && len(s.Properties) > 0):
		return d.objectExample(s, depth)
	case s.Type == "array":
		if s.Items == nil {
			return []any{}
		}
		return []any{d.exampleFor(s.Items, depth+1)}
	case s.Type == "integer" || s.Type == "number":
		return 0
	case s.Type == "boolean":
		return true
	}
	return "string"
}

func (d *Document) objectExample(s *Schema, depth int) map[string]any {
	obj := map[string]any{}

	for _, name := range s.Required {
		if prop, ok := s.Properties[name]; ok {
			obj[name] = d.exampleFor(prop, depth+1)
		}
	}

	for name, prop := range s.Properties {
		if _, done := obj[name]; done {
			continue
		}
		if resolved := d.resolveSchema(prop); resolved != nil && (resolved.Example != nil || resolved.Default != nil) {
			obj[name] = d.exampleFor(resolved, depth+1)
		}
	}

	if len(obj) == 0 {
		for name, prop := range s.Properties {
			obj[name] = d.exampleFor(prop, depth+1)
		}
	}
	return obj
}

// normalize converts YAML-decoded maps with interface keys into JSON-safe maps.
func normalize(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	}
	return v
}
