// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/ensembleworks/ensemble/pkg/formatter"
)

// SchemaCheck validates that a response is JSON matching a schema:
// required fields are present and values carry the declared types. The
// response may wrap the JSON in prose or code fences; extraction runs
// first.
type SchemaCheck struct {
	name   string
	schema map[string]any
}

// NewSchemaCheck builds a SchemaCheck from a Go type. The schema is
// reflected from T's struct tags:
//
//	type Review struct {
//	    Verdict string   `json:"verdict" jsonschema:"required"`
//	    Points  []string `json:"points,omitempty"`
//	}
//
//	check, err := quality.NewSchemaCheck[Review]("review-shape")
func NewSchemaCheck[T any](name string) (*SchemaCheck, error) {
	schema, err := ReflectSchema[T]()
	if err != nil {
		return nil, err
	}
	return NewSchemaCheckFromMap(name, schema)
}

// NewSchemaCheckFromMap builds a SchemaCheck from a JSON schema given as a
// map, for callers whose expected shape comes from configuration rather
// than a Go type.
func NewSchemaCheckFromMap(name string, schema map[string]any) (*SchemaCheck, error) {
	if name == "" {
		name = "schema"
	}
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is required")
	}
	return &SchemaCheck{name: name, schema: schema}, nil
}

func (c *SchemaCheck) Name() string { return c.name }

func (c *SchemaCheck) Evaluate(_ context.Context, _, output string) (*Score, error) {
	raw, ok := formatter.ExtractJSON(output)
	if !ok {
		return &Score{
			Check:  c.name,
			Passed: false,
			Detail: "response contains no JSON object or array",
		}, nil
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return &Score{
			Check:  c.name,
			Passed: false,
			Detail: fmt.Sprintf("response JSON does not parse: %v", err),
		}, nil
	}

	violations := validateValue(c.schema, value, "$")
	if len(violations) > 0 {
		return &Score{
			Check:  c.name,
			Passed: false,
			Detail: strings.Join(violations, "; "),
		}, nil
	}
	return &Score{Check: c.name, Value: 1.0, Passed: true}, nil
}

// ReflectSchema reflects a JSON schema from a Go type, inlined with no
// $ref indirection so models and validators can consume it directly.
// Required fields come from jsonschema:"required" tags.
func ReflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	return schemaToMap(reflector.Reflect(new(T)))
}

// schemaToMap converts a reflected schema to a plain map through a JSON
// round trip, dropping the $schema and $id envelope.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// validateValue walks the schema and value together, collecting a
// violation message per mismatch. Only structure is enforced: required
// fields, declared types, and array element shape. Constraints such as
// enum or bounds are left to the model's structured-output mode.
func validateValue(schema map[string]any, value any, path string) []string {
	typ, _ := schema["type"].(string)

	switch typ {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return []string{fmt.Sprintf("%s: expected object, got %s", path, jsonTypeName(value))}
		}
		var violations []string
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				name, _ := r.(string)
				if _, present := obj[name]; !present {
					violations = append(violations, fmt.Sprintf("%s: missing required field %q", path, name))
				}
			}
		}
		if properties, ok := schema["properties"].(map[string]any); ok {
			for name, sub := range properties {
				subSchema, ok := sub.(map[string]any)
				if !ok {
					continue
				}
				if v, present := obj[name]; present {
					violations = append(violations, validateValue(subSchema, v, path+"."+name)...)
				}
			}
		}
		return violations

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return []string{fmt.Sprintf("%s: expected array, got %s", path, jsonTypeName(value))}
		}
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		var violations []string
		for i, elem := range arr {
			violations = append(violations, validateValue(items, elem, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return violations

	case "string":
		if _, ok := value.(string); !ok {
			return []string{fmt.Sprintf("%s: expected string, got %s", path, jsonTypeName(value))}
		}

	case "number":
		if _, ok := value.(float64); !ok {
			return []string{fmt.Sprintf("%s: expected number, got %s", path, jsonTypeName(value))}
		}

	case "integer":
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return []string{fmt.Sprintf("%s: expected integer, got %s", path, jsonTypeName(value))}
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s: expected boolean, got %s", path, jsonTypeName(value))}
		}
	}
	return nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
