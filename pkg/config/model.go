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

import "fmt"

// ModelProvider identifies the model backend type.
type ModelProvider string

const (
	ModelProviderGemini ModelProvider = "gemini"
)

// ModelConfig configures an LLM backend.
type ModelConfig struct {
	// Type is the provider type. Only "gemini" is supported.
	Type ModelProvider `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,description=Model provider,enum=gemini,default=gemini"`

	// Model is the model identifier (e.g. "gemini-2.0-flash").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey authenticates against the provider. Supports ${VAR}
	// expansion; falls back to GEMINI_API_KEY / GOOGLE_API_KEY.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key (use ${ENV_VAR})"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,minimum=0,maximum=2"`

	// MaxTokens limits response length when a request carries no limit.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,minimum=1"`
}

// SetDefaults applies default values.
func (c *ModelConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ModelProviderGemini
	}
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	if c.APIKey == "" {
		c.APIKey = geminiAPIKeyFromEnv()
	}
}

// Validate checks the model configuration.
func (c *ModelConfig) Validate() error {
	if c.Type != ModelProviderGemini {
		return fmt.Errorf("unsupported model type '%s' (supported: gemini)", c.Type)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", c.Temperature)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative, got %d", c.MaxTokens)
	}
	return nil
}
