// Package schema describes method parameters and results with OpenAPI
// schemas, validates inbound arguments, and applies secret redaction before
// anything is logged, audited, or snapshotted.
package schema

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/errorx"
)

// secretExt marks a schema node whose value must never be externalized.
const secretExt = "x-secret"

// Param describes one positional method parameter.
type Param struct {
	Name     string
	Schema   *openapi3.Schema
	Optional bool
	Default  any
}

// Str returns a string schema.
func Str() *openapi3.Schema {
	return openapi3.NewStringSchema()
}

// Int returns an integer schema.
func Int() *openapi3.Schema {
	return openapi3.NewIntegerSchema()
}

// Bool returns a boolean schema.
func Bool() *openapi3.Schema {
	return openapi3.NewBoolSchema()
}

// Num returns a number schema.
func Num() *openapi3.Schema {
	return openapi3.NewFloat64Schema()
}

// Obj returns an object schema with the given properties. Properties not
// listed are rejected.
func Obj(props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	s.Properties = openapi3.Schemas{}
	for name, prop := range props {
		s.Properties[name] = &openapi3.SchemaRef{Value: prop}
	}
	s.AdditionalProperties = openapi3.AdditionalProperties{Has: openapi3.BoolPtr(false)}
	return s
}

// QueryOptions returns the schema of the options object accepted next to a
// filter list: get, count, limit, offset, order_by, prefix, extra.
func QueryOptions() *openapi3.Schema {
	extra := openapi3.NewObjectSchema()
	return Obj(map[string]*openapi3.Schema{
		"get":      Bool(),
		"count":    Bool(),
		"limit":    Int(),
		"offset":   Int(),
		"order_by": Array(Str()),
		"prefix":   Str(),
		"extra":    extra,
	})
}

// Array returns an array schema of the given item schema.
func Array(items *openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewArraySchema()
	s.Items = &openapi3.SchemaRef{Value: items}
	return s
}

// Any returns a schema accepting any JSON value.
func Any() *openapi3.Schema {
	return openapi3.NewSchema()
}

// Enum constrains a string schema to the given values.
func Enum(values ...string) *openapi3.Schema {
	s := openapi3.NewStringSchema()
	for _, v := range values {
		s.Enum = append(s.Enum, v)
	}
	return s
}

// Secret marks a schema as containing sensitive data.
func Secret(s *openapi3.Schema) *openapi3.Schema {
	if s.Extensions == nil {
		s.Extensions = map[string]any{}
	}
	s.Extensions[secretExt] = true
	return s
}

// Required marks object properties as required.
func Required(s *openapi3.Schema, names ...string) *openapi3.Schema {
	s.Required = append(s.Required, names...)
	return s
}

func isSecret(s *openapi3.Schema) bool {
	if s == nil || s.Extensions == nil {
		return false
	}
	v, ok := s.Extensions[secretExt].(bool)
	return ok && v
}

// ValidateParams checks an argument vector against the positional parameter
// specs. Missing optional parameters take their defaults; the returned slice
// always has len(specs) entries.
func ValidateParams(params []any, specs []Param) ([]any, error) {
	if len(params) > len(specs) {
		return nil, errorx.Validation(
			fmt.Sprintf("too many arguments: got %d, expected at most %d", len(params), len(specs)), nil)
	}

	out := make([]any, len(specs))
	var paths []string
	for i, spec := range specs {
		if i >= len(params) {
			if !spec.Optional {
				paths = append(paths, spec.Name)
				continue
			}
			out[i] = spec.Default
			continue
		}
		arg := params[i]
		if arg == nil && spec.Optional {
			out[i] = spec.Default
			continue
		}
		if spec.Schema != nil {
			if err := spec.Schema.VisitJSON(arg); err != nil {
				paths = append(paths, collectPaths(spec.Name, err)...)
				continue
			}
		}
		out[i] = arg
	}
	if len(paths) > 0 {
		return nil, errorx.Validation("arguments failed validation", paths)
	}
	return out, nil
}

// collectPaths flattens kin-openapi validation errors into dotted paths
// rooted at the parameter name.
func collectPaths(root string, err error) []string {
	var out []string
	switch e := err.(type) {
	case openapi3.MultiError:
		for _, sub := range e {
			out = append(out, collectPaths(root, sub)...)
		}
	case *openapi3.SchemaError:
		path := root
		if ptr := e.JSONPointer(); len(ptr) > 0 {
			path = root + "." + strings.Join(ptr, ".")
		}
		out = append(out, path)
	default:
		out = append(out, root)
	}
	return out
}

// Redact returns a deep copy of value with every secret-marked schema node
// replaced by the redaction sentinel. Values without schema pass through
// unchanged.
func Redact(value any, s *openapi3.Schema) any {
	if s == nil {
		return value
	}
	if isSecret(s) {
		if value == nil {
			return nil
		}
		return cnst.RedactedSentinel
	}
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			var prop *openapi3.Schema
			if s.Properties != nil {
				if ref, ok := s.Properties[key]; ok {
					prop = ref.Value
				}
			}
			out[key] = Redact(val, prop)
		}
		return out
	case []any:
		var items *openapi3.Schema
		if s.Items != nil {
			items = s.Items.Value
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Redact(item, items)
		}
		return out
	default:
		return value
	}
}

// RedactParams redacts an argument vector against its parameter specs.
func RedactParams(params []any, specs []Param) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if i < len(specs) {
			out[i] = Redact(p, specs[i].Schema)
		} else {
			out[i] = p
		}
	}
	return out
}

// ParamNames renders the spec names for diagnostics ("username, password").
func ParamNames(specs []Param) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		if s.Optional {
			names[i] += "?"
		}
	}
	return strings.Join(names, ", ")
}
