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

// Package tool defines the interfaces for tools that agents can invoke.
//
// A Tool is a named capability with a JSON-schema parameter description.
// Tools reach the model as Definitions; the model requests invocations as
// ToolCalls; results flow back as ToolResults. Toolsets resolve tools
// lazily against the current context, which is how MCP servers plug in.
package tool

import (
	"github.com/ensembleworks/ensemble/pkg/agent"
)

// Tool is the base interface for a callable tool.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// IsLongRunning indicates the tool completes out of band. The turn
	// pauses after such a call instead of waiting for a result.
	IsLongRunning() bool
}

// CallableTool is a tool with synchronous execution.
type CallableTool interface {
	Tool

	// Call executes the tool with the given arguments.
	Call(ctx Context, args map[string]any) (map[string]any, error)

	// Schema returns the JSON schema for the tool's parameters, or nil
	// when the tool takes none.
	Schema() map[string]any
}

// Context is the execution context handed to a tool. State writes and
// action flags set here end up on the event that carries the tool result.
type Context interface {
	agent.CallbackContext

	// FunctionCallID is the unique ID of this invocation.
	FunctionCallID() string

	// Actions exposes the event actions for the current turn so tools can
	// escalate, request transfer, or ask for user input.
	Actions() *agent.EventActions
}

// Toolset groups related tools and resolves them on demand.
type Toolset interface {
	// Name returns the name of this toolset.
	Name() string

	// Tools returns the available tools for the current context.
	Tools(ctx agent.ReadonlyContext) ([]Tool, error)
}

// Predicate decides whether a tool is available in a context.
type Predicate func(ctx agent.ReadonlyContext, t Tool) bool

// StringPredicate allows only the named tools.
func StringPredicate(allowed []string) Predicate {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return func(_ agent.ReadonlyContext, t Tool) bool {
		return set[t.Name()]
	}
}

// AllowAll allows every tool.
func AllowAll() Predicate {
	return func(agent.ReadonlyContext, Tool) bool { return true }
}

// Definition is a tool description for model function calling.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool to a Definition.
func ToDefinition(t Tool) Definition {
	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
	}
	if ct, ok := t.(CallableTool); ok {
		def.Parameters = ct.Schema()
	}
	return def
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult is the outcome of a tool invocation, keyed by call ID.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    map[string]any
	Error      string
}
