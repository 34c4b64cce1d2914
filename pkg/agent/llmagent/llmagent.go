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

// Package llmagent provides the LLM-backed agent implementation.
//
// An LLM agent is a thin wrapper around an instruction template sent to a
// model.Model. The instruction supports {key} placeholders resolved from
// session state, conversation history is assembled from session events,
// and the agent loops over tool calls until the model produces a final
// response.
//
// # Usage
//
//	researcher, err := llmagent.New(llmagent.Config{
//	    Name:        "researcher",
//	    Model:       gemini,
//	    Instruction: "Research {topic} and summarize your findings.",
//	    Toolsets:    []tool.Toolset{searchTools},
//	    OutputKey:   "research",
//	})
package llmagent

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/tool"
)

// defaultMaxIterations bounds the tool loop when Config.MaxIterations is
// zero. Termination is normally semantic (the model stops requesting
// tools); the bound exists so a model stuck in a call loop cannot run
// forever.
const defaultMaxIterations = 100

// InstructionProvider generates the instruction dynamically per
// invocation. It takes precedence over Config.Instruction.
type InstructionProvider func(ctx agent.ReadonlyContext) (string, error)

// BeforeModelCallback runs before each model call. Returning a non-nil
// response skips the call and uses the returned response instead.
type BeforeModelCallback func(ctx agent.CallbackContext, req *model.Request) (*model.Response, error)

// AfterModelCallback runs after each model call with the final response
// or the generation error. Returning a non-nil response replaces the
// model's response; on error this acts as a recovery hook.
type AfterModelCallback func(ctx agent.CallbackContext, resp *model.Response, err error) (*model.Response, error)

// BeforeToolCallback runs before each tool execution. Returning a non-nil
// result skips the execution and uses the returned result instead.
type BeforeToolCallback func(ctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error)

// AfterToolCallback runs after each tool execution. Returning a non-nil
// result replaces the tool's result.
type AfterToolCallback func(ctx tool.Context, t tool.Tool, args, result map[string]any, err error) (map[string]any, error)

// IncludeContents controls how much conversation history reaches the
// model.
type IncludeContents string

const (
	// IncludeContentsDefault includes the branch-visible history.
	IncludeContentsDefault IncludeContents = "default"

	// IncludeContentsNone includes only the current turn.
	IncludeContentsNone IncludeContents = "none"
)

// Config configures an LLM agent.
type Config struct {
	// Name must be unique within the agent tree.
	Name string

	// Description tells coordinator agents when to delegate here.
	Description string

	// Model generates the agent's responses. Required.
	Model model.Model

	// Instruction guides the agent. Supports {key} placeholders resolved
	// from session state; {key?} resolves to empty when the key is
	// missing, {key} without the marker is an error.
	Instruction string

	// InstructionProvider generates the instruction dynamically and takes
	// precedence over Instruction.
	InstructionProvider InstructionProvider

	// GlobalInstruction is prepended to the instruction. Orchestrators
	// use it to give every specialist the same framing.
	GlobalInstruction string

	// GenerateConfig carries generation knobs passed on every call.
	GenerateConfig *model.GenerateConfig

	// Tools are static tools available to the agent.
	Tools []tool.Tool

	// Toolsets resolve additional tools per invocation. MCP servers plug
	// in here.
	Toolsets []tool.Toolset

	// SubAgents can receive control via the transfer tool.
	SubAgents []agent.Agent

	// BeforeAgentCallbacks and AfterAgentCallbacks wrap the whole run.
	BeforeAgentCallbacks []agent.BeforeAgentCallback
	AfterAgentCallbacks  []agent.AfterAgentCallback

	// BeforeModelCallbacks and AfterModelCallbacks wrap each model call.
	BeforeModelCallbacks []BeforeModelCallback
	AfterModelCallbacks  []AfterModelCallback

	// BeforeToolCallbacks and AfterToolCallbacks wrap each tool call.
	BeforeToolCallbacks []BeforeToolCallback
	AfterToolCallbacks  []AfterToolCallback

	// IncludeContents controls history assembly.
	IncludeContents IncludeContents

	// OutputKey writes the agent's final text into session state under
	// this key, making it readable by later pipeline stages.
	OutputKey string

	// OutputSchema enforces structured JSON output. Incompatible with
	// tools; New rejects a config carrying both.
	OutputSchema map[string]any

	// MaxIterations bounds the tool loop. Zero applies the default.
	MaxIterations int

	// MaxHistoryTokens trims assembled history to a token budget using
	// tiktoken estimation. Zero disables trimming.
	MaxHistoryTokens int

	// Metrics records model and tool calls. Nil disables recording.
	Metrics observability.Recorder
}

type llmAgent struct {
	agent.Agent

	model            model.Model
	instruction      string
	provider         InstructionProvider
	global           string
	generateConfig   *model.GenerateConfig
	tools            []tool.Tool
	toolsets         []tool.Toolset
	includeContents  IncludeContents
	outputKey        string
	outputSchema     map[string]any
	maxIterations    int
	maxHistoryTokens int
	estimator        *model.TokenEstimator
	metrics          observability.Recorder

	beforeModelCallbacks []BeforeModelCallback
	afterModelCallbacks  []AfterModelCallback
	beforeToolCallbacks  []BeforeToolCallback
	afterToolCallbacks   []AfterToolCallback
}

// New creates an LLM agent from cfg.
func New(cfg Config) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("agent %q: model is required", cfg.Name)
	}
	if cfg.OutputSchema != nil && (len(cfg.Tools) > 0 || len(cfg.Toolsets) > 0) {
		return nil, fmt.Errorf("agent %q: output schema cannot be combined with tools", cfg.Name)
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	a := &llmAgent{
		model:            cfg.Model,
		instruction:      cfg.Instruction,
		provider:         cfg.InstructionProvider,
		global:           cfg.GlobalInstruction,
		generateConfig:   cfg.GenerateConfig,
		tools:            cfg.Tools,
		toolsets:         cfg.Toolsets,
		includeContents:  cfg.IncludeContents,
		outputKey:        cfg.OutputKey,
		outputSchema:     cfg.OutputSchema,
		maxIterations:    maxIterations,
		maxHistoryTokens: cfg.MaxHistoryTokens,
		metrics:          observability.ForRecorder(cfg.Metrics),

		beforeModelCallbacks: cfg.BeforeModelCallbacks,
		afterModelCallbacks:  cfg.AfterModelCallbacks,
		beforeToolCallbacks:  cfg.BeforeToolCallbacks,
		afterToolCallbacks:   cfg.AfterToolCallbacks,
	}

	if cfg.MaxHistoryTokens > 0 {
		estimator, err := model.NewTokenEstimator(cfg.Model.Name())
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", cfg.Name, err)
		}
		a.estimator = estimator
	}

	base, err := agent.New(agent.Config{
		Name:                 cfg.Name,
		Description:          cfg.Description,
		SubAgents:            cfg.SubAgents,
		Run:                  a.run,
		BeforeAgentCallbacks: cfg.BeforeAgentCallbacks,
		AfterAgentCallbacks:  cfg.AfterAgentCallbacks,
	})
	if err != nil {
		return nil, err
	}
	a.Agent = base
	return a, nil
}

func (a *llmAgent) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return newFlow(a).run(ctx)
}

// resolveInstruction builds the system instruction from the global and
// per-agent parts, substituting state placeholders in each.
func (a *llmAgent) resolveInstruction(ctx agent.ReadonlyContext) (string, error) {
	var sections []string

	if a.global != "" {
		text, err := resolveTemplate(ctx.State(), a.global)
		if err != nil {
			return "", fmt.Errorf("global instruction: %w", err)
		}
		sections = append(sections, text)
	}

	if a.provider != nil {
		text, err := a.provider(ctx)
		if err != nil {
			return "", fmt.Errorf("instruction provider: %w", err)
		}
		if text != "" {
			sections = append(sections, text)
		}
	} else if a.instruction != "" {
		text, err := resolveTemplate(ctx.State(), a.instruction)
		if err != nil {
			return "", err
		}
		sections = append(sections, text)
	}

	return joinSections(sections), nil
}

func joinSections(sections []string) string {
	var out string
	for i, s := range sections {
		if i > 0 {
			out += "\n\n"
		}
		out += s
	}
	return out
}

// collectDefinitions gathers tool declarations from static tools and
// toolsets. A toolset that fails to resolve is skipped, not fatal; MCP
// servers go down independently of the agent.
func (a *llmAgent) collectDefinitions(ctx agent.ReadonlyContext) []tool.Definition {
	var defs []tool.Definition
	for _, t := range a.tools {
		defs = append(defs, tool.ToDefinition(t))
	}
	for _, ts := range a.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			slog.Warn("Toolset failed to provide tools",
				"toolset", ts.Name(),
				"agent", a.Name(),
				"error", err)
			continue
		}
		for _, t := range tools {
			defs = append(defs, tool.ToDefinition(t))
		}
	}
	return defs
}

// findTool resolves a tool by name across static tools and toolsets.
func (a *llmAgent) findTool(ctx agent.ReadonlyContext, name string) tool.Tool {
	for _, t := range a.tools {
		if t.Name() == name {
			return t
		}
	}
	for _, ts := range a.toolsets {
		tools, err := ts.Tools(ctx)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name() == name {
				return t
			}
		}
	}
	return nil
}
