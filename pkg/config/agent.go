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

// AgentType selects how an agent is backed.
type AgentType string

const (
	// AgentTypeLLM is a model-backed agent built from an instruction.
	AgentTypeLLM AgentType = "llm"

	// AgentTypeRemote proxies a remote A2A agent by URL.
	AgentTypeRemote AgentType = "remote"
)

// Visibility controls agent discovery and HTTP access.
type Visibility string

const (
	// VisibilityPublic agents appear in discovery and are reachable
	// over HTTP.
	VisibilityPublic Visibility = "public"

	// VisibilityInternal agents appear in discovery only for
	// authenticated callers.
	VisibilityInternal Visibility = "internal"

	// VisibilityPrivate agents are hidden from discovery and not
	// reachable over HTTP; they serve as sub-agents only.
	VisibilityPrivate Visibility = "private"
)

// AgentConfig configures one agent.
type AgentConfig struct {
	// Name is the display name. Defaults to the map key.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Agent Name,pattern=^[a-zA-Z][a-zA-Z0-9_-]*$,minLength=1,maxLength=64"`

	// Type selects llm (default) or remote.
	Type AgentType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=llm,enum=remote,default=llm"`

	// Description describes what the agent does. Published on the
	// agent card.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`

	// Visibility controls discovery and HTTP access.
	Visibility Visibility `yaml:"visibility,omitempty" json:"visibility,omitempty" jsonschema:"title=Visibility,enum=public,enum=internal,enum=private,default=public"`

	// Model references a configured model by name. LLM agents only.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model Reference"`

	// URL is the remote agent's base URL. Remote agents only.
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=Remote URL"`

	// Instruction is the system prompt. Supports {key}, {key?} and
	// scope-prefixed ({app:...}, {user:...}, {temp:...}) placeholders
	// resolved against session state.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty" jsonschema:"title=Instruction,description=System prompt with state placeholders"`

	// GlobalInstruction applies to every agent in the tree (root only).
	GlobalInstruction string `yaml:"global_instruction,omitempty" json:"global_instruction,omitempty" jsonschema:"title=Global Instruction"`

	// Tools lists toolset names this agent can call.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools"`

	// SubAgents lists agent names this agent can transfer control to.
	SubAgents []string `yaml:"sub_agents,omitempty" json:"sub_agents,omitempty" jsonschema:"title=Sub-Agents"`

	// OutputKey writes the agent's final text into session state.
	OutputKey string `yaml:"output_key,omitempty" json:"output_key,omitempty" jsonschema:"title=Output Key"`

	// IncludeContents controls history assembly: "default" sends the
	// branch-visible history, "none" only the current turn.
	IncludeContents string `yaml:"include_contents,omitempty" json:"include_contents,omitempty" jsonschema:"title=Include Contents,enum=default,enum=none,default=default"`

	// MaxIterations bounds the tool-call loop per turn.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,minimum=1"`

	// MaxHistoryTokens trims old history above this budget.
	MaxHistoryTokens int `yaml:"max_history_tokens,omitempty" json:"max_history_tokens,omitempty" jsonschema:"title=Max History Tokens,minimum=1"`

	// Streaming enables token streaming for this agent.
	Streaming *bool `yaml:"streaming,omitempty" json:"streaming,omitempty" jsonschema:"title=Streaming,default=false"`

	// Quality references a quality gate to wrap this agent in.
	Quality string `yaml:"quality,omitempty" json:"quality,omitempty" jsonschema:"title=Quality Gate Reference"`

	// Generate overrides model sampling parameters for this agent.
	Generate *GenerateDefaults `yaml:"generate,omitempty" json:"generate,omitempty" jsonschema:"title=Generation Parameters"`
}

// GenerateDefaults are per-agent sampling overrides.
type GenerateDefaults struct {
	Temperature   *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens     *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP          *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
	TopK          *int     `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	StopSequences []string `yaml:"stop_sequences,omitempty" json:"stop_sequences,omitempty"`
}

// SetDefaults applies default values. The map key becomes the name.
func (c *AgentConfig) SetDefaults(key string) {
	if c.Name == "" {
		c.Name = key
	}
	if c.Type == "" {
		c.Type = AgentTypeLLM
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityPublic
	}
	if c.IncludeContents == "" {
		c.IncludeContents = "default"
	}
}

// Validate checks the agent configuration.
func (c *AgentConfig) Validate() error {
	switch c.Type {
	case AgentTypeLLM:
		if c.URL != "" {
			return fmt.Errorf("url is only valid for remote agents")
		}
	case AgentTypeRemote:
		if c.URL == "" {
			return fmt.Errorf("remote agent requires a url")
		}
		if c.Instruction != "" || len(c.Tools) > 0 || len(c.SubAgents) > 0 {
			return fmt.Errorf("remote agents cannot have instructions, tools, or sub-agents")
		}
	default:
		return fmt.Errorf("unknown agent type '%s' (valid: llm, remote)", c.Type)
	}

	switch c.Visibility {
	case VisibilityPublic, VisibilityInternal, VisibilityPrivate:
	default:
		return fmt.Errorf("unknown visibility '%s' (valid: public, internal, private)", c.Visibility)
	}

	switch c.IncludeContents {
	case "", "default", "none":
	default:
		return fmt.Errorf("unknown include_contents '%s' (valid: default, none)", c.IncludeContents)
	}

	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative, got %d", c.MaxIterations)
	}
	if c.MaxHistoryTokens < 0 {
		return fmt.Errorf("max_history_tokens must not be negative, got %d", c.MaxHistoryTokens)
	}

	if c.Generate != nil {
		if err := c.Generate.Validate(); err != nil {
			return fmt.Errorf("generate: %w", err)
		}
	}
	return nil
}

// Validate checks sampling bounds.
func (g *GenerateDefaults) Validate() error {
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", *g.Temperature)
	}
	if g.MaxTokens != nil && *g.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive, got %d", *g.MaxTokens)
	}
	if g.TopP != nil && (*g.TopP < 0 || *g.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1, got %g", *g.TopP)
	}
	if g.TopK != nil && *g.TopK < 1 {
		return fmt.Errorf("top_k must be positive, got %d", *g.TopK)
	}
	return nil
}
