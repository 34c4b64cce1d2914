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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(`{"nodes": [{"id": "a", "agent": "researcher", "input": "dig in"}]}`)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, "a", plan.Nodes[0].ID)
	assert.Equal(t, "researcher", plan.Nodes[0].Agent)
}

func TestParsePlan_FencedJSON(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"nodes\": [{\"id\": \"a\", \"agent\": \"x\", \"input\": \"go\"}]}\n```"
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 1)
}

func TestParsePlan_NoJSONPreservesRawText(t *testing.T) {
	_, err := ParsePlan("I would start by thinking about the problem.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON")
	assert.Contains(t, err.Error(), "thinking about the problem")
}

func TestParsePlan_MalformedJSONPreservesRawText(t *testing.T) {
	_, err := ParsePlan(`{"nodes": "not-a-list"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid plan")
	assert.Contains(t, err.Error(), "not-a-list")
}

func TestValidatePlan(t *testing.T) {
	specialists := map[string]bool{"researcher": true, "writer": true}

	tests := []struct {
		name    string
		plan    *Plan
		max     int
		wantErr string
	}{
		{
			name:    "no_nodes",
			plan:    &Plan{},
			wantErr: "plan has no nodes",
		},
		{
			name: "over_node_limit",
			plan: &Plan{Nodes: []PlanNode{
				{ID: "a", Agent: "researcher", Input: "x"},
				{ID: "b", Agent: "writer", Input: "y"},
			}},
			max:     1,
			wantErr: "plan has 2 nodes, limit is 1",
		},
		{
			name:    "empty_id",
			plan:    &Plan{Nodes: []PlanNode{{Agent: "researcher", Input: "x"}}},
			wantErr: "node with no id",
		},
		{
			name: "duplicate_id",
			plan: &Plan{Nodes: []PlanNode{
				{ID: "a", Agent: "researcher", Input: "x"},
				{ID: "a", Agent: "writer", Input: "y"},
			}},
			wantErr: "duplicate plan node id 'a'",
		},
		{
			name:    "missing_agent",
			plan:    &Plan{Nodes: []PlanNode{{ID: "a", Input: "x"}}},
			wantErr: "names no agent",
		},
		{
			name:    "unknown_agent",
			plan:    &Plan{Nodes: []PlanNode{{ID: "a", Agent: "ghost", Input: "x"}}},
			wantErr: "unknown agent 'ghost'",
		},
		{
			name: "unknown_dependency",
			plan: &Plan{Nodes: []PlanNode{
				{ID: "a", Agent: "researcher", DependsOn: []string{"missing"}, Input: "x"},
			}},
			wantErr: "depends on unknown node 'missing'",
		},
		{
			name: "input_reference_without_dependency",
			plan: &Plan{Nodes: []PlanNode{
				{ID: "a", Agent: "researcher", Input: "x"},
				{ID: "b", Agent: "writer", Input: "use {a}"},
			}},
			wantErr: "references 'a' without depending on it",
		},
		{
			name: "valid",
			plan: &Plan{Nodes: []PlanNode{
				{ID: "a", Agent: "researcher", Input: "study {objective}"},
				{ID: "b", Agent: "writer", DependsOn: []string{"a"}, Input: "write from {a}"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePlan(tt.plan, specialists, tt.max)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRenderInput(t *testing.T) {
	outputs := map[string]string{"research": "three findings"}

	got := renderInput("Write about {objective} using {research}.", "go generics", outputs)
	assert.Equal(t, "Write about go generics using three findings.", got)

	// Unknown placeholders pass through untouched.
	got = renderInput("keep {verbatim} braces", "x", outputs)
	assert.Equal(t, "keep {verbatim} braces", got)
}
