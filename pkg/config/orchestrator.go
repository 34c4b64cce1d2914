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

// OrchestratorType selects the orchestration style.
type OrchestratorType string

const (
	// OrchestratorTypePipeline runs declared stages behind a
	// coordinator agent.
	OrchestratorTypePipeline OrchestratorType = "pipeline"

	// OrchestratorTypePlanner plans a specialist workflow per request.
	OrchestratorTypePlanner OrchestratorType = "planner"
)

// OrchestratorConfig configures a multi-agent topology.
type OrchestratorConfig struct {
	// Type selects pipeline or planner orchestration.
	Type OrchestratorType `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"title=Type,enum=pipeline,enum=planner,default=pipeline"`

	// Description is published on the orchestrator's agent card.
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"title=Description"`

	// Visibility controls discovery and HTTP access.
	Visibility Visibility `yaml:"visibility,omitempty" json:"visibility,omitempty" jsonschema:"title=Visibility,enum=public,enum=internal,enum=private,default=public"`

	// Model references the coordinator (pipeline) or planner (planner)
	// model by name. Required.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model Reference"`

	// Instruction overrides the generated coordinator instruction.
	// Pipeline orchestrators only.
	Instruction string `yaml:"instruction,omitempty" json:"instruction,omitempty" jsonschema:"title=Instruction"`

	// Specialists lists the agent names this orchestrator runs.
	Specialists []string `yaml:"specialists,omitempty" json:"specialists,omitempty" jsonschema:"title=Specialists"`

	// Stages declare the pipeline. Pipeline orchestrators only.
	Stages []StageConfig `yaml:"stages,omitempty" json:"stages,omitempty" jsonschema:"title=Stages"`

	// Workflow references a workflow profile for plan execution.
	// Planner orchestrators only; empty uses engine defaults.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty" jsonschema:"title=Workflow Reference"`

	// MaxPlanNodes rejects plans larger than this. Planner only.
	MaxPlanNodes int `yaml:"max_plan_nodes,omitempty" json:"max_plan_nodes,omitempty" jsonschema:"title=Max Plan Nodes,minimum=1"`
}

// StageConfig is one pipeline stage.
type StageConfig struct {
	// Name is the stage's agent name.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name"`

	// Kind selects sequential, parallel, or loop execution.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty" jsonschema:"title=Kind,enum=sequential,enum=parallel,enum=loop,default=sequential"`

	// Agents names the specialists this stage runs.
	Agents []string `yaml:"agents,omitempty" json:"agents,omitempty" jsonschema:"title=Agents"`

	// MaxIterations bounds a loop stage.
	MaxIterations uint `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,minimum=1"`
}

// SetDefaults applies default values.
func (c *OrchestratorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = OrchestratorTypePipeline
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityPublic
	}
	for i := range c.Stages {
		if c.Stages[i].Kind == "" {
			c.Stages[i].Kind = "sequential"
		}
	}
}

// Validate checks the orchestrator configuration. Stage-level specialist
// references are checked against this orchestrator's own specialist
// list; cross-section references are checked by the root config.
func (c *OrchestratorConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model reference is required")
	}
	if len(c.Specialists) == 0 {
		return fmt.Errorf("at least one specialist is required")
	}

	switch c.Visibility {
	case VisibilityPublic, VisibilityInternal, VisibilityPrivate:
	default:
		return fmt.Errorf("unknown visibility '%s' (valid: public, internal, private)", c.Visibility)
	}

	specialists := make(map[string]bool, len(c.Specialists))
	for _, sp := range c.Specialists {
		if specialists[sp] {
			return fmt.Errorf("duplicate specialist '%s'", sp)
		}
		specialists[sp] = true
	}

	switch c.Type {
	case OrchestratorTypePipeline:
		if len(c.Stages) == 0 {
			return fmt.Errorf("pipeline orchestrator requires stages")
		}
		if c.Workflow != "" || c.MaxPlanNodes != 0 {
			return fmt.Errorf("workflow and max_plan_nodes are only valid for planner orchestrators")
		}
		for i, stage := range c.Stages {
			if err := stage.validate(specialists); err != nil {
				return fmt.Errorf("stage %d: %w", i, err)
			}
		}
	case OrchestratorTypePlanner:
		if len(c.Stages) > 0 {
			return fmt.Errorf("stages are only valid for pipeline orchestrators")
		}
		if c.Instruction != "" {
			return fmt.Errorf("instruction is only valid for pipeline orchestrators")
		}
		if c.MaxPlanNodes < 0 {
			return fmt.Errorf("max_plan_nodes must not be negative, got %d", c.MaxPlanNodes)
		}
	default:
		return fmt.Errorf("unknown orchestrator type '%s' (valid: pipeline, planner)", c.Type)
	}
	return nil
}

func (s *StageConfig) validate(specialists map[string]bool) error {
	if s.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	switch s.Kind {
	case "sequential", "parallel", "loop":
	default:
		return fmt.Errorf("unknown stage kind '%s' (valid: sequential, parallel, loop)", s.Kind)
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("stage '%s' has no agents", s.Name)
	}
	for _, name := range s.Agents {
		if !specialists[name] {
			return fmt.Errorf("stage '%s' references '%s' which is not in specialists", s.Name, name)
		}
	}
	if s.MaxIterations > 0 && s.Kind != "loop" {
		return fmt.Errorf("stage '%s': max_iterations only applies to loop stages", s.Name)
	}
	return nil
}
