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

package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/formatter"
)

// Plan is a planner-produced decomposition of a request into specialist
// calls with dependencies.
type Plan struct {
	Nodes []PlanNode `json:"nodes"`
}

// PlanNode is one specialist call in a plan.
type PlanNode struct {
	// ID names the node. Unique within the plan.
	ID string `json:"id"`

	// Agent names the specialist to run.
	Agent string `json:"agent"`

	// DependsOn lists node IDs whose outputs this node needs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Input is the prompt for the specialist. {objective} expands to the
	// user's request and {<node-id>} to a dependency's output.
	Input string `json:"input"`
}

// planSchema constrains the planner's structured output.
var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"nodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":    map[string]any{"type": "string"},
					"agent": map[string]any{"type": "string"},
					"depends_on": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"input": map[string]any{"type": "string"},
				},
				"required": []string{"id", "agent", "input"},
			},
		},
	},
	"required": []string{"nodes"},
}

// ParsePlan extracts and decodes a plan from raw planner output. The raw
// text survives in the error so callers can log what the planner said.
func ParsePlan(raw string) (*Plan, error) {
	payload, ok := formatter.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("planner output contains no JSON: %s", formatter.Sanitize(raw))
	}
	var plan Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, fmt.Errorf("planner output is not a valid plan (%v): %s", err, formatter.Sanitize(raw))
	}
	return &plan, nil
}

// placeholderRe matches {name} references in node inputs.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_-]*)\}`)

// validatePlan checks a parsed plan against the known specialists before
// anything executes. maxNodes of zero means unlimited.
func validatePlan(plan *Plan, specialists map[string]bool, maxNodes int) error {
	if len(plan.Nodes) == 0 {
		return fmt.Errorf("plan has no nodes")
	}
	if maxNodes > 0 && len(plan.Nodes) > maxNodes {
		return fmt.Errorf("plan has %d nodes, limit is %d", len(plan.Nodes), maxNodes)
	}

	ids := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if node.ID == "" {
			return fmt.Errorf("plan has a node with no id")
		}
		if ids[node.ID] {
			return fmt.Errorf("duplicate plan node id '%s'", node.ID)
		}
		ids[node.ID] = true
	}

	for _, node := range plan.Nodes {
		if node.Agent == "" {
			return fmt.Errorf("plan node '%s' names no agent", node.ID)
		}
		if !specialists[node.Agent] {
			return fmt.Errorf("plan node '%s' references unknown agent '%s'", node.ID, node.Agent)
		}
		deps := make(map[string]bool, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("plan node '%s' depends on unknown node '%s'", node.ID, dep)
			}
			deps[dep] = true
		}
		for _, m := range placeholderRe.FindAllStringSubmatch(node.Input, -1) {
			ref := m[1]
			if ref == objectivePlaceholder {
				continue
			}
			if ids[ref] && !deps[ref] {
				return fmt.Errorf("plan node '%s' input references '%s' without depending on it", node.ID, ref)
			}
		}
	}
	return nil
}

const objectivePlaceholder = "objective"

// renderInput expands {objective} and dependency output placeholders in a
// node's input. Unknown placeholders pass through untouched.
func renderInput(input, objective string, outputs map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(input, func(m string) string {
		name := strings.Trim(m, "{}")
		if name == objectivePlaceholder {
			return objective
		}
		if out, ok := outputs[name]; ok {
			return out
		}
		return m
	})
}
