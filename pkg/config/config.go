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

// Package config defines the configuration tree and its loading
// pipeline. Configuration is YAML, expanded against the environment,
// decoded with mapstructure, defaulted, and validated before anything
// is built from it.
package config

import (
	"fmt"
	"sort"

	"github.com/ensembleworks/ensemble/pkg/observability"
)

// Config is the root of the configuration tree.
type Config struct {
	// Name identifies this deployment.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Deployment name"`

	// Description describes this deployment.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`

	// Version is the config schema version.
	Version string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Configuration schema version"`

	// Logging configures slog output.
	Logging LoggerConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging"`

	// Server configures the A2A HTTP server.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`

	// Models are the configured LLM backends, by name.
	Models map[string]*ModelConfig `yaml:"models,omitempty" json:"models,omitempty" jsonschema:"title=Models,description=Named LLM backends"`

	// Tools are the configured toolsets, by name.
	Tools map[string]*ToolConfig `yaml:"tools,omitempty" json:"tools,omitempty" jsonschema:"title=Tools,description=Named toolsets"`

	// Agents are the configured agents, by name.
	Agents map[string]*AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty" jsonschema:"title=Agents,description=Named agents"`

	// Orchestrators are the configured multi-agent topologies, by name.
	Orchestrators map[string]*OrchestratorConfig `yaml:"orchestrators,omitempty" json:"orchestrators,omitempty" jsonschema:"title=Orchestrators,description=Named multi-agent topologies"`

	// Workflows are named workflow engine profiles referenced by
	// orchestrators.
	Workflows map[string]*WorkflowConfig `yaml:"workflows,omitempty" json:"workflows,omitempty" jsonschema:"title=Workflows,description=Named workflow engine profiles"`

	// Quality are named quality gates referenced by agents.
	Quality map[string]*QualityGateConfig `yaml:"quality,omitempty" json:"quality,omitempty" jsonschema:"title=Quality,description=Named quality gates"`

	// Databases are named SQL connections referenced by stores.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty" jsonschema:"title=Databases,description=Named SQL connections"`

	// Sessions configures session persistence.
	Sessions SessionsConfig `yaml:"sessions,omitempty" json:"sessions,omitempty" jsonschema:"title=Sessions"`

	// Pool configures the shared A2A connection pool.
	Pool PoolConfig `yaml:"pool,omitempty" json:"pool,omitempty" jsonschema:"title=Pool"`
}

// SetDefaults applies defaults across the whole tree.
func (c *Config) SetDefaults() {
	c.initializeMaps()

	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	c.Sessions.SetDefaults()
	c.Pool.SetDefaults()

	for _, m := range c.Models {
		if m != nil {
			m.SetDefaults()
		}
	}
	for _, t := range c.Tools {
		if t != nil {
			t.SetDefaults()
		}
	}
	for name, a := range c.Agents {
		if a != nil {
			a.SetDefaults(name)
		}
	}
	for _, o := range c.Orchestrators {
		if o != nil {
			o.SetDefaults()
		}
	}
	for _, w := range c.Workflows {
		if w != nil {
			w.SetDefaults()
		}
	}
	for _, q := range c.Quality {
		if q != nil {
			q.SetDefaults()
		}
	}
	for _, d := range c.Databases {
		if d != nil {
			d.SetDefaults()
		}
	}
}

func (c *Config) initializeMaps() {
	if c.Models == nil {
		c.Models = make(map[string]*ModelConfig)
	}
	if c.Tools == nil {
		c.Tools = make(map[string]*ToolConfig)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]*AgentConfig)
	}
	if c.Orchestrators == nil {
		c.Orchestrators = make(map[string]*OrchestratorConfig)
	}
	if c.Workflows == nil {
		c.Workflows = make(map[string]*WorkflowConfig)
	}
	if c.Quality == nil {
		c.Quality = make(map[string]*QualityGateConfig)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
}

// Validate checks the whole tree, sections first, references second.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability validation failed: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions validation failed: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}

	for name, m := range c.Models {
		if m != nil {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("model '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, t := range c.Tools {
		if t != nil {
			if err := t.Validate(); err != nil {
				return fmt.Errorf("tool '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, a := range c.Agents {
		if a != nil {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("agent '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, o := range c.Orchestrators {
		if o != nil {
			if err := o.Validate(); err != nil {
				return fmt.Errorf("orchestrator '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, w := range c.Workflows {
		if w != nil {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("workflow '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, q := range c.Quality {
		if q != nil {
			if err := q.Validate(); err != nil {
				return fmt.Errorf("quality gate '%s' validation failed: %w", name, err)
			}
		}
	}
	for name, d := range c.Databases {
		if d != nil {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("database '%s' validation failed: %w", name, err)
			}
		}
	}

	if err := c.validateReferences(); err != nil {
		return fmt.Errorf("reference validation failed: %w", err)
	}
	return nil
}

// validateReferences checks every by-name link between sections.
func (c *Config) validateReferences() error {
	for agentName, a := range c.Agents {
		if a == nil {
			continue
		}

		if a.Type == AgentTypeLLM {
			if a.Model != "" {
				if _, ok := c.Models[a.Model]; !ok {
					return fmt.Errorf("agent '%s': model '%s' not found (available: %v)",
						agentName, a.Model, mapKeys(c.Models))
				}
			}
		}

		for _, toolName := range a.Tools {
			if _, ok := c.Tools[toolName]; !ok {
				return fmt.Errorf("agent '%s': tool '%s' not found (available: %v)",
					agentName, toolName, mapKeys(c.Tools))
			}
		}

		for _, sub := range a.SubAgents {
			if _, ok := c.Agents[sub]; !ok {
				return fmt.Errorf("agent '%s': sub-agent '%s' not found (available: %v)",
					agentName, sub, mapKeys(c.Agents))
			}
		}

		if a.Quality != "" {
			if _, ok := c.Quality[a.Quality]; !ok {
				return fmt.Errorf("agent '%s': quality gate '%s' not found (available: %v)",
					agentName, a.Quality, mapKeys(c.Quality))
			}
		}
	}

	if err := c.validateAgentTree(); err != nil {
		return err
	}

	for orcName, o := range c.Orchestrators {
		if o == nil {
			continue
		}
		if o.Model != "" {
			if _, ok := c.Models[o.Model]; !ok {
				return fmt.Errorf("orchestrator '%s': model '%s' not found (available: %v)",
					orcName, o.Model, mapKeys(c.Models))
			}
		}
		for _, sp := range o.Specialists {
			if _, ok := c.Agents[sp]; !ok {
				return fmt.Errorf("orchestrator '%s': specialist '%s' not found (available: %v)",
					orcName, sp, mapKeys(c.Agents))
			}
		}
		if o.Workflow != "" {
			if _, ok := c.Workflows[o.Workflow]; !ok {
				return fmt.Errorf("orchestrator '%s': workflow '%s' not found (available: %v)",
					orcName, o.Workflow, mapKeys(c.Workflows))
			}
		}
	}

	for wfName, w := range c.Workflows {
		if w == nil || w.Checkpoint == nil {
			continue
		}
		if w.Checkpoint.Database != "" {
			if _, ok := c.Databases[w.Checkpoint.Database]; !ok {
				return fmt.Errorf("workflow '%s': database '%s' not found (available: %v)",
					wfName, w.Checkpoint.Database, mapKeys(c.Databases))
			}
		}
	}

	for gateName, q := range c.Quality {
		if q == nil {
			continue
		}
		for i, check := range q.Checks {
			if check.Type == QualityCheckJudge && check.Model != "" {
				if _, ok := c.Models[check.Model]; !ok {
					return fmt.Errorf("quality gate '%s': check %d: model '%s' not found (available: %v)",
						gateName, i, check.Model, mapKeys(c.Models))
				}
			}
		}
	}

	if c.Sessions.Backend == StorageBackendSQL {
		if _, ok := c.Databases[c.Sessions.Database]; !ok {
			return fmt.Errorf("sessions: database '%s' not found (available: %v)",
				c.Sessions.Database, mapKeys(c.Databases))
		}
	}

	if c.Server.Tasks != nil && c.Server.Tasks.Backend == StorageBackendSQL {
		if _, ok := c.Databases[c.Server.Tasks.Database]; !ok {
			return fmt.Errorf("server tasks: database '%s' not found (available: %v)",
				c.Server.Tasks.Database, mapKeys(c.Databases))
		}
	}

	return nil
}

// validateAgentTree rejects sub-agent cycles. A cycle would never finish
// assembling, so it is caught here rather than at build time.
func (c *Config) validateAgentTree() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.Agents))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("agent '%s': sub-agent cycle: %v", name, append(path, name))
		}
		state[name] = visiting
		if a := c.Agents[name]; a != nil {
			for _, sub := range a.SubAgents {
				if _, ok := c.Agents[sub]; !ok {
					continue // missing refs are reported elsewhere
				}
				if err := visit(sub, append(path, name)); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}

	for name := range c.Agents {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// GetAgent returns the config for a named agent.
func (c *Config) GetAgent(name string) (*AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok
}

// ListAgents returns all agent names, sorted.
func (c *Config) ListAgents() []string {
	names := mapKeys(c.Agents)
	sort.Strings(names)
	return names
}

// ListOrchestrators returns all orchestrator names, sorted.
func (c *Config) ListOrchestrators() []string {
	names := mapKeys(c.Orchestrators)
	sort.Strings(names)
	return names
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
