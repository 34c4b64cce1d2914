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

package gemini

import (
	"strings"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/tool"
)

func ptrOf[T any](v T) *T { return &v }

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{Model: "gemini-2.0-flash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestStableFunctionCallID(t *testing.T) {
	args := map[string]any{"city": "Berlin", "units": "metric"}

	first := stableFunctionCallID("get_weather", args)
	second := stableFunctionCallID("get_weather", map[string]any{"city": "Berlin", "units": "metric"})
	other := stableFunctionCallID("get_weather", map[string]any{"city": "Paris"})

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.True(t, strings.HasPrefix(first, "ensemble-"))
}

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		name   string
		reason genai.FinishReason
		want   model.FinishReason
	}{
		{"stop", genai.FinishReasonStop, model.FinishReasonStop},
		{"max_tokens", genai.FinishReasonMaxTokens, model.FinishReasonLength},
		{"safety", genai.FinishReasonSafety, model.FinishReasonContent},
		{"unknown_defaults_to_stop", genai.FinishReason("OTHER"), model.FinishReasonStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapFinishReason(tt.reason))
		})
	}
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]any{
		"type":        "object",
		"description": "search request",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []any{"news", "docs"}},
			},
		},
		"required": []any{"query"},
	}

	s := toGenaiSchema(schema)
	require.NotNil(t, s)
	assert.Equal(t, genai.Type("object"), s.Type)
	assert.Equal(t, "search request", s.Description)
	assert.Equal(t, []string{"query"}, s.Required)

	require.Contains(t, s.Properties, "query")
	assert.Equal(t, genai.Type("string"), s.Properties["query"].Type)

	require.Contains(t, s.Properties, "tags")
	require.NotNil(t, s.Properties["tags"].Items)
	assert.Equal(t, []string{"news", "docs"}, s.Properties["tags"].Items.Enum)

	assert.Nil(t, toGenaiSchema(nil))
}

func TestMessageToContent(t *testing.T) {
	m := &geminiModel{name: DefaultModel}

	t.Run("text_message_maps_roles", func(t *testing.T) {
		user := m.messageToContent(&a2a.Message{
			Role:  a2a.MessageRoleUser,
			Parts: []a2a.Part{a2a.TextPart{Text: "hello"}},
		})
		require.NotNil(t, user)
		assert.Equal(t, "user", user.Role)
		require.Len(t, user.Parts, 1)
		assert.Equal(t, "hello", user.Parts[0].Text)

		agent := m.messageToContent(&a2a.Message{
			Role:  a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.TextPart{Text: "hi"}},
		})
		require.NotNil(t, agent)
		assert.Equal(t, "model", agent.Role)
	})

	t.Run("tool_use_becomes_function_call", func(t *testing.T) {
		content := m.messageToContent(&a2a.Message{
			Role: a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"type":      "tool_use",
				"id":        "call-1",
				"name":      "search",
				"arguments": map[string]any{"query": "go"},
			}}},
		})
		require.NotNil(t, content)
		require.Len(t, content.Parts, 1)
		fc := content.Parts[0].FunctionCall
		require.NotNil(t, fc)
		assert.Equal(t, "call-1", fc.ID)
		assert.Equal(t, "search", fc.Name)
		assert.Equal(t, map[string]any{"query": "go"}, fc.Args)
	})

	t.Run("tool_result_wraps_string_content", func(t *testing.T) {
		content := m.messageToContent(&a2a.Message{
			Role: a2a.MessageRoleUser,
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"type":         "tool_result",
				"tool_call_id": "call-1",
				"tool_name":    "search",
				"content":      "three results",
			}}},
		})
		require.NotNil(t, content)
		require.Len(t, content.Parts, 1)
		fr := content.Parts[0].FunctionResponse
		require.NotNil(t, fr)
		assert.Equal(t, "call-1", fr.ID)
		assert.Equal(t, map[string]any{"result": "three results"}, fr.Response)
	})

	t.Run("signed_thinking_is_replayed", func(t *testing.T) {
		content := m.messageToContent(&a2a.Message{
			Role: a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"type":      "thinking",
				"content":   "considering options",
				"signature": "sig-abc",
			}}},
		})
		require.NotNil(t, content)
		require.Len(t, content.Parts, 1)
		assert.True(t, content.Parts[0].Thought)
		assert.Equal(t, "considering options", content.Parts[0].Text)
		assert.Equal(t, []byte("sig-abc"), content.Parts[0].ThoughtSignature)
	})

	t.Run("unsigned_thinking_is_dropped", func(t *testing.T) {
		content := m.messageToContent(&a2a.Message{
			Role: a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
				"type":    "thinking",
				"content": "scratch work",
			}}},
		})
		assert.Nil(t, content)
	})

	t.Run("nil_and_empty_messages", func(t *testing.T) {
		assert.Nil(t, m.messageToContent(nil))
		assert.Nil(t, m.messageToContent(&a2a.Message{Role: a2a.MessageRoleUser}))
	})
}

func TestBuildRequest_SystemInstruction(t *testing.T) {
	m := &geminiModel{name: DefaultModel}

	contents, system := m.buildRequest(&model.Request{
		SystemInstruction: "You are a helpful pipeline step.",
		Messages: []*a2a.Message{
			{Role: a2a.MessageRoleUser, Parts: []a2a.Part{a2a.TextPart{Text: "go"}}},
		},
	})

	require.NotNil(t, system)
	require.Len(t, system.Parts, 1)
	assert.Equal(t, "You are a helpful pipeline step.", system.Parts[0].Text)
	require.Len(t, contents, 1)
	assert.Equal(t, "user", contents[0].Role)
}

func TestBuildConfig(t *testing.T) {
	m := &geminiModel{
		name:   DefaultModel,
		config: Config{Temperature: 0.7, MaxTokens: 2048},
	}

	t.Run("model_defaults_apply", func(t *testing.T) {
		cfg := m.buildConfig(nil, nil, nil)
		require.NotNil(t, cfg.Temperature)
		assert.InDelta(t, 0.7, float64(*cfg.Temperature), 0.0001)
		assert.Equal(t, int32(2048), cfg.MaxOutputTokens)
	})

	t.Run("request_overrides_win", func(t *testing.T) {
		cfg := m.buildConfig(&model.GenerateConfig{
			Temperature: ptrOf(0.1),
			MaxTokens:   ptrOf(128),
			TopP:        ptrOf(0.9),
			TopK:        ptrOf(40),
		}, nil, nil)
		require.NotNil(t, cfg.Temperature)
		assert.InDelta(t, 0.1, float64(*cfg.Temperature), 0.0001)
		assert.Equal(t, int32(128), cfg.MaxOutputTokens)
		require.NotNil(t, cfg.TopP)
		assert.InDelta(t, 0.9, float64(*cfg.TopP), 0.0001)
		require.NotNil(t, cfg.TopK)
		assert.InDelta(t, 40, float64(*cfg.TopK), 0.0001)
	})

	t.Run("response_schema_forces_json_mime", func(t *testing.T) {
		cfg := m.buildConfig(&model.GenerateConfig{
			ResponseSchema: map[string]any{"type": "object"},
		}, nil, nil)
		assert.Equal(t, "application/json", cfg.ResponseMIMEType)
		require.NotNil(t, cfg.ResponseSchema)
		assert.Equal(t, genai.Type("object"), cfg.ResponseSchema.Type)
	})

	t.Run("thinking_config", func(t *testing.T) {
		cfg := m.buildConfig(&model.GenerateConfig{
			EnableThinking: true,
			ThinkingBudget: 1024,
		}, nil, nil)
		require.NotNil(t, cfg.ThinkingConfig)
		assert.True(t, cfg.ThinkingConfig.IncludeThoughts)
		require.NotNil(t, cfg.ThinkingConfig.ThinkingBudget)
		assert.Equal(t, int32(1024), *cfg.ThinkingConfig.ThinkingBudget)
	})

	t.Run("tools_attach_function_declarations", func(t *testing.T) {
		cfg := m.buildConfig(nil, nil, []tool.Definition{
			{Name: "search", Description: "find things", Parameters: map[string]any{"type": "object"}},
		})
		require.Len(t, cfg.Tools, 1)
		require.Len(t, cfg.Tools[0].FunctionDeclarations, 1)
		assert.Equal(t, "search", cfg.Tools[0].FunctionDeclarations[0].Name)
	})
}
