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

// Package orchestrator assembles multi-agent topologies from templates.
//
// Template builds a static pipeline: declared stages run specialists
// sequentially, in parallel, or in a loop, behind a coordinator LLM agent
// that owns the conversation. EnhancedTemplate adds dynamic planning: a
// planner model decomposes each request into a dependency graph of
// specialist calls executed by the workflow engine.
package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/agent/llmagent"
	"github.com/ensembleworks/ensemble/pkg/agent/workflowagent"
	"github.com/ensembleworks/ensemble/pkg/model"
)

// StageKind selects how a stage runs its specialists.
type StageKind string

const (
	// StageSequential runs the stage's specialists in declaration order.
	StageSequential StageKind = "sequential"

	// StageParallel runs the stage's specialists concurrently.
	StageParallel StageKind = "parallel"

	// StageLoop repeats the stage's specialists until one escalates or
	// MaxIterations is reached.
	StageLoop StageKind = "loop"
)

// Stage is one step of a pipeline.
type Stage struct {
	// Name is the stage's agent name. Required and unique.
	Name string

	// Kind selects sequential, parallel, or loop execution.
	Kind StageKind

	// Agents names the specialists this stage runs, by agent name.
	Agents []string

	// MaxIterations bounds a loop stage. Only valid when Kind is
	// StageLoop; zero means unbounded.
	MaxIterations uint
}

// Template declares a coordinator-fronted pipeline of specialist stages.
type Template struct {
	// Name is the coordinator's agent name. Required.
	Name string

	// Description describes the assembled orchestrator.
	Description string

	// Model drives the coordinator. Required.
	Model model.Model

	// Instruction overrides the generated coordinator instruction.
	Instruction string

	// Specialists is the pool of agents stages can reference. Each
	// specialist may appear in at most one stage; the assembled tree
	// requires unique agent names.
	Specialists []agent.Agent

	// Stages run in order inside the pipeline.
	Stages []Stage
}

// Validate checks the template without building it.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Model == nil {
		return fmt.Errorf("coordinator model is required")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template '%s' has no stages", t.Name)
	}

	specialists, err := t.specialistIndex()
	if err != nil {
		return err
	}

	stageNames := make(map[string]bool, len(t.Stages))
	assigned := make(map[string]string)
	for _, stage := range t.Stages {
		if stage.Name == "" {
			return fmt.Errorf("template '%s' has a stage with no name", t.Name)
		}
		if stageNames[stage.Name] {
			return fmt.Errorf("duplicate stage name '%s'", stage.Name)
		}
		stageNames[stage.Name] = true

		switch stage.Kind {
		case StageSequential, StageParallel, StageLoop:
		default:
			return fmt.Errorf("stage '%s' has unknown kind '%s'", stage.Name, stage.Kind)
		}
		if stage.MaxIterations > 0 && stage.Kind != StageLoop {
			return fmt.Errorf("stage '%s': max iterations only applies to loop stages", stage.Name)
		}
		if len(stage.Agents) == 0 {
			return fmt.Errorf("stage '%s' has no agents", stage.Name)
		}

		for _, name := range stage.Agents {
			if _, ok := specialists[name]; !ok {
				return fmt.Errorf("stage '%s' references unknown specialist '%s'", stage.Name, name)
			}
			if prev, ok := assigned[name]; ok {
				return fmt.Errorf("specialist '%s' appears in both stage '%s' and stage '%s'", name, prev, stage.Name)
			}
			assigned[name] = stage.Name
		}
	}
	return nil
}

// Build validates the template and assembles the agent tree: one
// composition agent per stage, the stages chained into a pipeline, and a
// coordinator LLM agent in front holding the pipeline as its sub-agent.
func (t *Template) Build() (agent.Agent, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	specialists, err := t.specialistIndex()
	if err != nil {
		return nil, err
	}

	stageAgents := make([]agent.Agent, 0, len(t.Stages))
	for _, stage := range t.Stages {
		built, err := buildStage(stage, specialists)
		if err != nil {
			return nil, fmt.Errorf("stage '%s': %w", stage.Name, err)
		}
		stageAgents = append(stageAgents, built)
	}

	pipeline := stageAgents[0]
	if len(stageAgents) > 1 {
		pipeline, err = workflowagent.NewSequential(workflowagent.SequentialConfig{
			Name:        t.Name + "-pipeline",
			Description: fmt.Sprintf("Pipeline of %d stages", len(stageAgents)),
			SubAgents:   stageAgents,
		})
		if err != nil {
			return nil, err
		}
	}

	instruction := t.Instruction
	if instruction == "" {
		instruction = t.coordinatorInstruction(pipeline.Name())
	}

	return llmagent.New(llmagent.Config{
		Name:        t.Name,
		Description: t.Description,
		Model:       t.Model,
		Instruction: instruction,
		SubAgents:   []agent.Agent{pipeline},
	})
}

func (t *Template) specialistIndex() (map[string]agent.Agent, error) {
	return indexSpecialists(t.Name, t.Specialists)
}

// indexSpecialists maps specialist names to agents, rejecting nils and
// duplicates.
func indexSpecialists(owner string, specialists []agent.Agent) (map[string]agent.Agent, error) {
	index := make(map[string]agent.Agent, len(specialists))
	for _, sp := range specialists {
		if sp == nil {
			return nil, fmt.Errorf("template '%s' has a nil specialist", owner)
		}
		if _, ok := index[sp.Name()]; ok {
			return nil, fmt.Errorf("duplicate specialist name '%s'", sp.Name())
		}
		index[sp.Name()] = sp
	}
	return index, nil
}

func buildStage(stage Stage, specialists map[string]agent.Agent) (agent.Agent, error) {
	agents := make([]agent.Agent, 0, len(stage.Agents))
	for _, name := range stage.Agents {
		agents = append(agents, specialists[name])
	}

	switch stage.Kind {
	case StageSequential:
		return workflowagent.NewSequential(workflowagent.SequentialConfig{
			Name:      stage.Name,
			SubAgents: agents,
		})
	case StageParallel:
		return workflowagent.NewParallel(workflowagent.ParallelConfig{
			Name:      stage.Name,
			SubAgents: agents,
		})
	case StageLoop:
		return workflowagent.NewLoop(workflowagent.LoopConfig{
			Name:          stage.Name,
			SubAgents:     agents,
			MaxIterations: stage.MaxIterations,
		})
	default:
		return nil, fmt.Errorf("unknown stage kind '%s'", stage.Kind)
	}
}

// coordinatorInstruction generates the default coordinator prompt from
// the pipeline's shape.
func (t *Template) coordinatorInstruction(pipelineName string) string {
	var sb strings.Builder
	sb.WriteString("You coordinate a team of specialist agents.\n\nStages, in order:\n")
	for _, stage := range t.Stages {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", stage.Name, stage.Kind, strings.Join(stage.Agents, ", "))
	}
	fmt.Fprintf(&sb, "\nDelegate the user's request to '%s' and relay its result. Do not answer substantive questions yourself.", pipelineName)
	return sb.String()
}
