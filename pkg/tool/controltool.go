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

package tool

import "fmt"

// controlTool is a local tool whose only effect is setting event actions.
type controlTool struct {
	name        string
	description string
	schema      map[string]any
	apply       func(ctx Context, args map[string]any) (map[string]any, error)
}

func (t *controlTool) Name() string            { return t.name }
func (t *controlTool) Description() string     { return t.description }
func (t *controlTool) IsLongRunning() bool     { return false }
func (t *controlTool) Schema() map[string]any  { return t.schema }
func (t *controlTool) Call(ctx Context, args map[string]any) (map[string]any, error) {
	return t.apply(ctx, args)
}

// ExitLoop returns a tool the model can call to stop the enclosing loop.
func ExitLoop() CallableTool {
	return &controlTool{
		name:        "exit_loop",
		description: "Exits the current processing loop. Call this when the task is complete and no further iterations are needed.",
		apply: func(ctx Context, _ map[string]any) (map[string]any, error) {
			ctx.Actions().Escalate = true
			return map[string]any{"status": "exiting loop"}, nil
		},
	}
}

// Escalate returns a tool the model can call to escalate to the parent
// agent with a reason.
func Escalate() CallableTool {
	return &controlTool{
		name:        "escalate",
		description: "Escalates the task to the parent agent. Call this when the task cannot be completed at this level.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the task is being escalated.",
				},
			},
		},
		apply: func(ctx Context, args map[string]any) (map[string]any, error) {
			ctx.Actions().Escalate = true
			reason, _ := args["reason"].(string)
			return map[string]any{"status": "escalated", "reason": reason}, nil
		},
	}
}

// Transfer returns a tool that routes the conversation to a named agent.
// Coordinator agents expose it so the model can pick a specialist.
func Transfer(agents []string) CallableTool {
	return &controlTool{
		name:        "transfer_to_agent",
		description: "Transfers the conversation to another agent better suited for the request.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{
					"type":        "string",
					"description": "Name of the agent to transfer to.",
					"enum":        toAnySlice(agents),
				},
			},
			"required": []any{"agent_name"},
		},
		apply: func(ctx Context, args map[string]any) (map[string]any, error) {
			name, _ := args["agent_name"].(string)
			if name == "" {
				return nil, fmt.Errorf("agent_name is required")
			}
			for _, candidate := range agents {
				if candidate == name {
					ctx.Actions().TransferToAgent = name
					return map[string]any{"status": "transferred", "agent": name}, nil
				}
			}
			return nil, fmt.Errorf("unknown agent %q", name)
		},
	}
}

// RequestInput returns a tool the model can call to pause the task until
// the user provides more information.
func RequestInput() CallableTool {
	return &controlTool{
		name:        "request_input",
		description: "Pauses the task and asks the user for more information. Call this when required details are missing.",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "What to ask the user for.",
				},
			},
			"required": []any{"prompt"},
		},
		apply: func(ctx Context, args map[string]any) (map[string]any, error) {
			prompt, _ := args["prompt"].(string)
			ctx.Actions().RequireInput = true
			ctx.Actions().InputPrompt = prompt
			return map[string]any{"status": "awaiting input"}, nil
		},
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

var _ CallableTool = (*controlTool)(nil)
