package dialogue

import (
	"encoding/json"
	"regexp"

	"github.com/pkg/errors"
)

var legacyTypes = map[string]string{
	"dict":     "object",
	"map":      "object",
	"list":     "array",
	"tuple":    "array",
	"int":      "integer",
	"float":    "number",
	"double":   "number",
	"str":      "string",
	"bool":     "boolean",
	"none":     "null",
	"nonetype": "null",
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const maxNameLength = 128

// NormalizeName maps an API name onto ^[a-zA-Z0-9_-]{1,128}$.
func NormalizeName(name string) string {
	n := invalidNameChars.ReplaceAllString(name, "_")
	if len(n) > maxNameLength {
		n = n[:maxNameLength]
	}
	if n == "" {
		n = "unnamed_api"
	}
	return n
}

// NormalizeSchemaTypes rewrites legacy type names into JSON schema names,
// recursively, and collapses type unions to their first non-null member.
func NormalizeSchemaTypes(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			if k == "type" {
				out[k] = normalizeType(e)
				continue
			}
			out[k] = NormalizeSchemaTypes(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeSchemaTypes(e)
		}
		return out
	default:
		return v
	}
}

func normalizeType(v any) any {
	switch t := v.(type) {
	case string:
		if mapped, ok := legacyTypes[t]; ok {
			return mapped
		}
		return t
	case []any:
		for _, e := range t {
			if s, ok := normalizeType(e).(string); ok && s != "null" {
				return s
			}
		}
		return "null"
	case map[string]any:
		// a property that happens to be called "type"
		return NormalizeSchemaTypes(t)
	}
	return v
}

// ParseApiSpec decodes an API description from JSON, normalizing its name and
// schema type names.
func ParseApiSpec(data []byte) (ApiSpec, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ApiSpec{}, errors.Wrap(err, "could not decode api spec")
	}
	return ApiSpecFromMap(raw)
}

// ApiSpecFromMap builds an ApiSpec from a generic decoded document, as
// produced by JSON or YAML decoding.
func ApiSpecFromMap(raw map[string]any) (ApiSpec, error) {
	normalized := NormalizeSchemaTypes(raw).(map[string]any)
	if _, ok := normalized["parameters"]; !ok {
		if args, ok := normalized["arguments"]; ok {
			normalized["parameters"] = args
		}
	}
	delete(normalized, "arguments")

	b, err := json.Marshal(normalized)
	if err != nil {
		return ApiSpec{}, errors.Wrap(err, "could not re-encode api spec")
	}
	var spec ApiSpec
	if err := json.Unmarshal(b, &spec); err != nil {
		return ApiSpec{}, errors.Wrap(err, "could not decode api spec schemas")
	}
	spec.Name = NormalizeName(spec.Name)
	return spec, nil
}
