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

// ToolType identifies the toolset type.
type ToolType string

const (
	// ToolTypeMCP is a Model Context Protocol toolset.
	ToolTypeMCP ToolType = "mcp"
)

// ToolConfig configures a toolset.
type ToolConfig struct {
	// Type is the toolset type. Only "mcp" is supported.
	Type ToolType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=mcp,default=mcp"`

	// Transport selects the MCP transport (sse, streamable-http, stdio).
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,enum=sse,enum=streamable-http,enum=stdio"`

	// URL is the MCP server URL for HTTP transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=Server URL"`

	// Command starts the server subprocess for stdio transport.
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command"`

	// Args for the stdio subprocess.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Arguments"`

	// Env for the stdio subprocess.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Environment"`

	// Filter limits which tools are exposed. Empty exposes all.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"title=Tool Filter"`

	// MaxRetries for HTTP requests.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,minimum=0"`
}

// SetDefaults applies default values.
func (c *ToolConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = ToolTypeMCP
	}
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "streamable-http"
		}
	}
}

// Validate checks the tool configuration.
func (c *ToolConfig) Validate() error {
	if c.Type != ToolTypeMCP {
		return fmt.Errorf("unsupported tool type '%s' (supported: mcp)", c.Type)
	}

	switch c.Transport {
	case "sse", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("%s transport requires a url", c.Transport)
		}
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("stdio transport requires a command")
		}
	default:
		return fmt.Errorf("unknown transport '%s' (valid: sse, streamable-http, stdio)", c.Transport)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}
