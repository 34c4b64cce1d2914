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

package config

import "github.com/invopop/jsonschema"

// JSONSchema builds the JSON Schema describing the configuration file.
// The schema CLI command and the server's /api/schema endpoint both
// serve it, so editors and form builders can validate configs without
// a running agent.
func JSONSchema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		// Unknown keys are a load error, so the schema mirrors that.
		AllowAdditionalProperties: false,
		// Inline definitions for form-builder compatibility.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&Config{})
	schema.ID = "https://ensembleworks.dev/schemas/config.json"
	schema.Title = "Ensemble Configuration Schema"
	schema.Description = "Complete configuration schema for the Ensemble agent framework"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []any{exampleConfig()}
	return schema
}

// exampleConfig is a small but complete config embedded in the schema
// for documentation.
func exampleConfig() map[string]any {
	return map[string]any{
		"name": "support-desk",
		"models": map[string]any{
			"default": map[string]any{
				"type":    "gemini",
				"model":   "gemini-2.0-flash",
				"api_key": "${GEMINI_API_KEY}",
			},
		},
		"agents": map[string]any{
			"assistant": map[string]any{
				"model":       "default",
				"instruction": "You are a helpful assistant.",
				"tools":       []string{"search"},
			},
		},
		"tools": map[string]any{
			"search": map[string]any{
				"type": "mcp",
				"url":  "http://localhost:3000/mcp",
			},
		},
	}
}
