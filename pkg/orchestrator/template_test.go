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
	"context"
	"iter"
	"sync"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/model"
)

// specialist builds an agent that records the input it received and
// yields one final text event.
func specialist(t *testing.T, name, reply string, log *callLog) agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Name:        name,
		Description: name + " duties",
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				input := ""
				if uc := ctx.UserContent(); uc != nil {
					input = uc.Text()
				}
				if log != nil {
					log.add(name, input)
				}
				event := agent.NewEvent(ctx.InvocationID())
				event.Author = name
				event.Branch = ctx.Branch()
				event.Message = agent.NewTextContent(a2a.MessageRoleAgent, reply).ToMessage()
				yield(event, nil)
			}
		},
	})
	require.NoError(t, err)
	return a
}

type callLog struct {
	mu     sync.Mutex
	order  []string
	inputs map[string]string
}

func newCallLog() *callLog {
	return &callLog{inputs: make(map[string]string)}
}

func (l *callLog) add(name, input string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, name)
	l.inputs[name] = input
}

func (l *callLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *callLog) input(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inputs[name]
}

func TestTemplate_Validate(t *testing.T) {
	fm := &fakeModel{}
	log := newCallLog()
	pool := []agent.Agent{
		specialist(t, "researcher", "findings", log),
		specialist(t, "writer", "draft", log),
	}
	stage := func(name string, kind StageKind, agents ...string) Stage {
		return Stage{Name: name, Kind: kind, Agents: agents}
	}

	tests := []struct {
		name    string
		tpl     Template
		wantErr string
	}{
		{
			name:    "missing_name",
			tpl:     Template{Model: fm, Specialists: pool, Stages: []Stage{stage("s", StageSequential, "writer")}},
			wantErr: "template name is required",
		},
		{
			name:    "missing_model",
			tpl:     Template{Name: "team", Specialists: pool, Stages: []Stage{stage("s", StageSequential, "writer")}},
			wantErr: "coordinator model is required",
		},
		{
			name:    "no_stages",
			tpl:     Template{Name: "team", Model: fm, Specialists: pool},
			wantErr: "has no stages",
		},
		{
			name:    "stage_without_name",
			tpl:     Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{stage("", StageSequential, "writer")}},
			wantErr: "stage with no name",
		},
		{
			name: "duplicate_stage_name",
			tpl: Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{
				stage("s", StageSequential, "researcher"),
				stage("s", StageSequential, "writer"),
			}},
			wantErr: "duplicate stage name 's'",
		},
		{
			name:    "unknown_kind",
			tpl:     Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{stage("s", "shuffled", "writer")}},
			wantErr: "unknown kind 'shuffled'",
		},
		{
			name:    "stage_without_agents",
			tpl:     Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{stage("s", StageSequential)}},
			wantErr: "has no agents",
		},
		{
			name:    "unknown_specialist",
			tpl:     Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{stage("s", StageSequential, "ghost")}},
			wantErr: "unknown specialist 'ghost'",
		},
		{
			name: "specialist_in_two_stages",
			tpl: Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{
				stage("draft", StageSequential, "writer"),
				stage("polish", StageSequential, "writer"),
			}},
			wantErr: "appears in both stage 'draft' and stage 'polish'",
		},
		{
			name: "max_iterations_outside_loop",
			tpl: Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{
				{Name: "s", Kind: StageSequential, Agents: []string{"writer"}, MaxIterations: 3},
			}},
			wantErr: "max iterations only applies to loop stages",
		},
		{
			name: "valid",
			tpl: Template{Name: "team", Model: fm, Specialists: pool, Stages: []Stage{
				stage("research", StageParallel, "researcher"),
				{Name: "refine", Kind: StageLoop, Agents: []string{"writer"}, MaxIterations: 2},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tpl.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTemplate_Build_SingleStage(t *testing.T) {
	log := newCallLog()
	tpl := Template{
		Name:  "team",
		Model: &fakeModel{},
		Specialists: []agent.Agent{
			specialist(t, "researcher", "findings", log),
			specialist(t, "writer", "draft", log),
		},
		Stages: []Stage{{Name: "work", Kind: StageSequential, Agents: []string{"researcher", "writer"}}},
	}

	built, err := tpl.Build()
	require.NoError(t, err)
	assert.Equal(t, "team", built.Name())

	// A single stage is the pipeline itself; no extra wrapper.
	require.Len(t, built.SubAgents(), 1)
	assert.Equal(t, "work", built.SubAgents()[0].Name())

	assert.Equal(t, []string{"team", "work", "writer"}, agent.FindAgentPath(built, "writer"))
}

func TestTemplate_Build_MultiStagePipeline(t *testing.T) {
	log := newCallLog()
	tpl := Template{
		Name:  "team",
		Model: &fakeModel{},
		Specialists: []agent.Agent{
			specialist(t, "researcher", "findings", log),
			specialist(t, "fact-checker", "checked", log),
			specialist(t, "writer", "draft", log),
		},
		Stages: []Stage{
			{Name: "gather", Kind: StageParallel, Agents: []string{"researcher", "fact-checker"}},
			{Name: "draft", Kind: StageSequential, Agents: []string{"writer"}},
		},
	}

	built, err := tpl.Build()
	require.NoError(t, err)

	require.Len(t, built.SubAgents(), 1)
	pipeline := built.SubAgents()[0]
	assert.Equal(t, "team-pipeline", pipeline.Name())

	stages := pipeline.SubAgents()
	require.Len(t, stages, 2)
	assert.Equal(t, "gather", stages[0].Name())
	assert.Equal(t, "draft", stages[1].Name())
	require.NotNil(t, agent.FindAgent(built, "fact-checker"))
}

func TestTemplate_Build_PipelineRuns(t *testing.T) {
	log := newCallLog()
	tpl := Template{
		Name:  "team",
		Model: &fakeModel{},
		Specialists: []agent.Agent{
			specialist(t, "researcher", "findings", log),
			specialist(t, "writer", "draft", log),
		},
		Stages: []Stage{
			{Name: "gather", Kind: StageSequential, Agents: []string{"researcher"}},
			{Name: "draft", Kind: StageSequential, Agents: []string{"writer"}},
		},
	}

	built, err := tpl.Build()
	require.NoError(t, err)
	pipeline := built.SubAgents()[0]

	ctx := agent.NewInvocationContext(context.Background(), agent.InvocationContextParams{Agent: pipeline})
	var texts []string
	for event, runErr := range pipeline.Run(ctx) {
		require.NoError(t, runErr)
		texts = append(texts, event.TextContent())
	}

	assert.Equal(t, []string{"researcher", "writer"}, log.calls())
	assert.Equal(t, []string{"findings", "draft"}, texts)
}

func TestTemplate_CoordinatorInstruction(t *testing.T) {
	tpl := Template{
		Name: "team",
		Stages: []Stage{
			{Name: "gather", Kind: StageParallel, Agents: []string{"researcher", "fact-checker"}},
			{Name: "draft", Kind: StageSequential, Agents: []string{"writer"}},
		},
	}

	got := tpl.coordinatorInstruction("team-pipeline")
	assert.Contains(t, got, "gather (parallel): researcher, fact-checker")
	assert.Contains(t, got, "draft (sequential): writer")
	assert.Contains(t, got, "'team-pipeline'")
}

var _ model.Model = (*fakeModel)(nil)
