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

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

func testObs() *observability.Manager {
	return observability.NewManager(observability.Config{})
}

// buildTestRuntime assembles a runtime from cfg and ties its lifetime to
// the test. Assembly is offline, so no credentials or servers are needed.
func buildTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	cfg.SetDefaults()
	rt, err := BuildRuntime(cfg, testObs())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, rt.Close(ctx))
	})
	return rt
}

func testModelConfig() *config.ModelConfig {
	return &config.ModelConfig{
		Type:   config.ModelProviderGemini,
		Model:  "gemini-2.0-flash",
		APIKey: "test-key",
	}
}

func TestBuildRuntime_Empty(t *testing.T) {
	rt := buildTestRuntime(t, &config.Config{})

	require.NotNil(t, rt.Config())
	require.Empty(t, rt.executors)
	require.Nil(t, rt.TaskStore())
}

func TestBuildRuntime_AgentsAndOrchestrators(t *testing.T) {
	streaming := true
	rt := buildTestRuntime(t, &config.Config{
		Models: map[string]*config.ModelConfig{"m1": testModelConfig()},
		Agents: map[string]*config.AgentConfig{
			"writer": {Model: "m1", Instruction: "Draft the requested text."},
			"critic": {Model: "m1", Streaming: &streaming},
		},
		Orchestrators: map[string]*config.OrchestratorConfig{
			"newsroom": {
				Model:       "m1",
				Specialists: []string{"writer"},
				Stages: []config.StageConfig{
					{Kind: "sequential", Agents: []string{"writer"}},
				},
			},
		},
	})

	for _, name := range []string{"writer", "critic", "newsroom"} {
		_, ok := rt.Executor(name)
		require.True(t, ok, "missing executor for %s", name)
	}
	_, ok := rt.Executor("ghost")
	require.False(t, ok)

	writer, _ := rt.Executor("writer")
	require.Equal(t, agent.StreamingModeNone, writer.config.RunConfig.StreamingMode)
	critic, _ := rt.Executor("critic")
	require.Equal(t, agent.StreamingModeSSE, critic.config.RunConfig.StreamingMode)

	// Both agents and the orchestrator reference m1; the model is built once.
	require.Len(t, rt.models, 1)
	require.Equal(t, "writer", rt.agents["writer"].Name())
}

func TestBuildRuntime_QualityGateNaming(t *testing.T) {
	rt := buildTestRuntime(t, &config.Config{
		Models: map[string]*config.ModelConfig{"m1": testModelConfig()},
		Agents: map[string]*config.AgentConfig{
			"writer": {Model: "m1", Quality: "strict"},
		},
		Quality: map[string]*config.QualityGateConfig{
			"strict": {
				Checks: []config.QualityCheckConfig{
					{Type: config.QualityCheckLength, MinChars: 10},
				},
			},
		},
	})

	// The gate answers to the public name; the wrapped child runs as a
	// draft so both names stay distinct in the tree.
	gate := rt.agents["writer"]
	require.Equal(t, "writer", gate.Name())
	require.Len(t, gate.SubAgents(), 1)
	require.Equal(t, "writer_draft", gate.SubAgents()[0].Name())
}

func TestBuildRuntime_MissingModelReference(t *testing.T) {
	cfg := &config.Config{
		Agents: map[string]*config.AgentConfig{"x": {}},
	}
	cfg.SetDefaults()
	_, err := BuildRuntime(cfg, testObs())
	require.ErrorContains(t, err, "agent 'x'")
	require.ErrorContains(t, err, "a model reference is required")

	cfg = &config.Config{
		Agents: map[string]*config.AgentConfig{"x": {Model: "ghost"}},
	}
	cfg.SetDefaults()
	_, err = BuildRuntime(cfg, testObs())
	require.ErrorContains(t, err, "model 'ghost' is not configured")
}

func TestBuildRuntime_UnknownCheckType(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]*config.ModelConfig{"m1": testModelConfig()},
		Agents: map[string]*config.AgentConfig{
			"writer": {Model: "m1", Quality: "strict"},
		},
		Quality: map[string]*config.QualityGateConfig{
			"strict": {Checks: []config.QualityCheckConfig{{Type: "vibes"}}},
		},
	}
	cfg.SetDefaults()
	_, err := BuildRuntime(cfg, testObs())
	require.ErrorContains(t, err, "quality gate 'strict' check 0")
	require.ErrorContains(t, err, "unknown check type 'vibes'")
}

func TestBuildRuntime_MissingQualityGate(t *testing.T) {
	cfg := &config.Config{
		Models: map[string]*config.ModelConfig{"m1": testModelConfig()},
		Agents: map[string]*config.AgentConfig{
			"writer": {Model: "m1", Quality: "ghost"},
		},
	}
	cfg.SetDefaults()
	_, err := BuildRuntime(cfg, testObs())
	require.ErrorContains(t, err, "quality gate 'ghost' is not configured")
}

func TestBuildRuntime_MissingDatabase(t *testing.T) {
	cfg := &config.Config{
		Sessions: config.SessionsConfig{
			Backend:  config.StorageBackendSQL,
			Database: "main",
		},
	}
	cfg.SetDefaults()
	_, err := BuildRuntime(cfg, testObs())
	require.ErrorContains(t, err, "sessions: database 'main' is not configured")
}

func TestStreamingMode(t *testing.T) {
	off, on := false, true
	require.Equal(t, agent.StreamingModeNone, streamingMode(&config.AgentConfig{}))
	require.Equal(t, agent.StreamingModeNone, streamingMode(&config.AgentConfig{Streaming: &off}))
	require.Equal(t, agent.StreamingModeSSE, streamingMode(&config.AgentConfig{Streaming: &on}))
}
