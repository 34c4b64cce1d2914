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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig builds the smallest config that passes Validate.
func validConfig() *Config {
	cfg := &Config{
		Models: map[string]*ModelConfig{
			"default": {Model: "gemini-2.0-flash", APIKey: "test-key"},
		},
		Tools: map[string]*ToolConfig{
			"search": {Transport: "streamable-http", URL: "http://localhost:3000/mcp"},
		},
		Agents: map[string]*AgentConfig{
			"assistant": {Model: "default", Instruction: "You are helpful.", Tools: []string{"search"}},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestConfigSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.NotNil(t, cfg.Models)
	assert.NotNil(t, cfg.Agents)
	assert.NotNil(t, cfg.Orchestrators)
	assert.NotNil(t, cfg.Databases)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "simple", cfg.Logging.Format)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, StorageBackendMemory, cfg.Sessions.Backend)
	assert.Equal(t, 4, cfg.Pool.MaxLeasesPerEndpoint)
	assert.Equal(t, 16, cfg.Pool.MaxWaiters)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTTL)
	assert.Equal(t, 30*time.Second, cfg.Pool.Health.Interval)
}

func TestConfigSetDefaultsPropagates(t *testing.T) {
	cfg := &Config{
		Models: map[string]*ModelConfig{"m": {APIKey: "k"}},
		Agents: map[string]*AgentConfig{"a": {Model: "m"}},
		Tools:  map[string]*ToolConfig{"t": {URL: "http://localhost/mcp"}},
	}
	cfg.SetDefaults()

	assert.Equal(t, ModelProviderGemini, cfg.Models["m"].Type)
	assert.Equal(t, "gemini-2.0-flash", cfg.Models["m"].Model)
	assert.Equal(t, AgentTypeLLM, cfg.Agents["a"].Type)
	assert.Equal(t, VisibilityPublic, cfg.Agents["a"].Visibility)
	assert.Equal(t, "a", cfg.Agents["a"].Name, "map key becomes the agent name")
	assert.Equal(t, ToolTypeMCP, cfg.Tools["t"].Type)
	assert.Equal(t, "streamable-http", cfg.Tools["t"].Transport)
}

func TestConfigValidateMinimal(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestConfigValidateWrapsSections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad_server_port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: "server validation failed",
		},
		{
			name:    "bad_model",
			mutate:  func(c *Config) { c.Models["default"].Temperature = 3 },
			wantErr: "model 'default' validation failed",
		},
		{
			name:    "bad_agent",
			mutate:  func(c *Config) { c.Agents["assistant"].URL = "http://oops" },
			wantErr: "agent 'assistant' validation failed",
		},
		{
			name: "bad_workflow",
			mutate: func(c *Config) {
				c.Workflows = map[string]*WorkflowConfig{"w": {FailurePolicy: "explode"}}
			},
			wantErr: "workflow 'w' validation failed",
		},
		{
			name: "bad_quality_gate",
			mutate: func(c *Config) {
				c.Quality = map[string]*QualityGateConfig{"g": {Threshold: 2, MaxAttempts: 1, Checks: []QualityCheckConfig{{Type: QualityCheckLength}}}}
			},
			wantErr: "quality gate 'g' validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateReferences(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "agent_missing_model",
			mutate:  func(c *Config) { c.Agents["assistant"].Model = "nope" },
			wantErr: "agent 'assistant': model 'nope' not found",
		},
		{
			name:    "agent_missing_tool",
			mutate:  func(c *Config) { c.Agents["assistant"].Tools = []string{"hammer"} },
			wantErr: "agent 'assistant': tool 'hammer' not found",
		},
		{
			name:    "agent_missing_sub_agent",
			mutate:  func(c *Config) { c.Agents["assistant"].SubAgents = []string{"ghost"} },
			wantErr: "agent 'assistant': sub-agent 'ghost' not found",
		},
		{
			name:    "agent_missing_quality_gate",
			mutate:  func(c *Config) { c.Agents["assistant"].Quality = "strict" },
			wantErr: "agent 'assistant': quality gate 'strict' not found",
		},
		{
			name: "orchestrator_missing_model",
			mutate: func(c *Config) {
				c.Orchestrators = map[string]*OrchestratorConfig{
					"team": {
						Model:       "nope",
						Specialists: []string{"assistant"},
						Stages:      []StageConfig{{Name: "draft", Agents: []string{"assistant"}}},
					},
				}
				c.SetDefaults()
			},
			wantErr: "orchestrator 'team': model 'nope' not found",
		},
		{
			name: "orchestrator_missing_specialist",
			mutate: func(c *Config) {
				c.Orchestrators = map[string]*OrchestratorConfig{
					"team": {
						Model:       "default",
						Specialists: []string{"ghost"},
						Stages:      []StageConfig{{Name: "draft", Agents: []string{"ghost"}}},
					},
				}
				c.SetDefaults()
			},
			wantErr: "orchestrator 'team': specialist 'ghost' not found",
		},
		{
			name: "orchestrator_missing_workflow",
			mutate: func(c *Config) {
				c.Orchestrators = map[string]*OrchestratorConfig{
					"team": {Type: OrchestratorTypePlanner, Model: "default", Specialists: []string{"assistant"}, Workflow: "fast"},
				}
				c.SetDefaults()
			},
			wantErr: "orchestrator 'team': workflow 'fast' not found",
		},
		{
			name: "workflow_missing_database",
			mutate: func(c *Config) {
				c.Workflows = map[string]*WorkflowConfig{
					"durable": {Checkpoint: &CheckpointConfig{Enabled: true, Database: "main"}},
				}
				c.SetDefaults()
			},
			wantErr: "workflow 'durable': database 'main' not found",
		},
		{
			name: "judge_check_missing_model",
			mutate: func(c *Config) {
				c.Quality = map[string]*QualityGateConfig{
					"reviewed": {Checks: []QualityCheckConfig{{Type: QualityCheckJudge, Model: "nope"}}},
				}
				c.SetDefaults()
			},
			wantErr: "quality gate 'reviewed': check 0: model 'nope' not found",
		},
		{
			name: "sessions_missing_database",
			mutate: func(c *Config) {
				c.Sessions = SessionsConfig{Backend: StorageBackendSQL, Database: "main"}
			},
			wantErr: "sessions: database 'main' not found",
		},
		{
			name: "server_tasks_missing_database",
			mutate: func(c *Config) {
				c.Server.Tasks = &TasksConfig{Backend: StorageBackendSQL, Database: "main"}
			},
			wantErr: "server tasks: database 'main' not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "reference validation failed")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateReferencesSatisfied(t *testing.T) {
	cfg := validConfig()
	cfg.Databases = map[string]*DatabaseConfig{
		"main": {Driver: "sqlite", Database: "/tmp/ensemble.db"},
	}
	cfg.Workflows = map[string]*WorkflowConfig{
		"durable": {Checkpoint: &CheckpointConfig{Enabled: true, Database: "main"}},
	}
	cfg.Quality = map[string]*QualityGateConfig{
		"reviewed": {Checks: []QualityCheckConfig{{Type: QualityCheckJudge, Model: "default"}}},
	}
	cfg.Agents["assistant"].Quality = "reviewed"
	cfg.Orchestrators = map[string]*OrchestratorConfig{
		"team": {Type: OrchestratorTypePlanner, Model: "default", Specialists: []string{"assistant"}, Workflow: "durable"},
	}
	cfg.Sessions = SessionsConfig{Backend: StorageBackendSQL, Database: "main"}
	cfg.SetDefaults()

	require.NoError(t, cfg.Validate())
}

func TestConfigRejectsSubAgentCycles(t *testing.T) {
	cfg := validConfig()
	cfg.Agents["planner"] = &AgentConfig{Model: "default", SubAgents: []string{"critic"}}
	cfg.Agents["critic"] = &AgentConfig{Model: "default", SubAgents: []string{"planner"}}
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-agent cycle")
}

func TestConfigRejectsSelfCycle(t *testing.T) {
	cfg := validConfig()
	cfg.Agents["ouroboros"] = &AgentConfig{Model: "default", SubAgents: []string{"ouroboros"}}
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-agent cycle")
}

func TestConfigAllowsSharedSubAgents(t *testing.T) {
	// Diamond shapes are fine, only cycles are rejected.
	cfg := validConfig()
	cfg.Agents["root"] = &AgentConfig{Model: "default", SubAgents: []string{"left", "right"}}
	cfg.Agents["left"] = &AgentConfig{Model: "default", SubAgents: []string{"shared"}}
	cfg.Agents["right"] = &AgentConfig{Model: "default", SubAgents: []string{"shared"}}
	cfg.Agents["shared"] = &AgentConfig{Model: "default"}
	cfg.SetDefaults()

	require.NoError(t, cfg.Validate())
}

func TestConfigSkipsNilEntries(t *testing.T) {
	cfg := validConfig()
	cfg.Models["phantom"] = nil
	cfg.Agents["phantom"] = nil

	require.NoError(t, cfg.Validate())
}

func TestGetAgent(t *testing.T) {
	cfg := validConfig()

	a, ok := cfg.GetAgent("assistant")
	require.True(t, ok)
	assert.Equal(t, "assistant", a.Name)

	_, ok = cfg.GetAgent("ghost")
	assert.False(t, ok)
}

func TestListAgentsSorted(t *testing.T) {
	cfg := &Config{
		Agents: map[string]*AgentConfig{
			"zeta": {}, "alpha": {}, "mid": {},
		},
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, cfg.ListAgents())
}

func TestListOrchestratorsSorted(t *testing.T) {
	cfg := &Config{
		Orchestrators: map[string]*OrchestratorConfig{
			"writers": {}, "analysts": {},
		},
	}
	assert.Equal(t, []string{"analysts", "writers"}, cfg.ListOrchestrators())
}
