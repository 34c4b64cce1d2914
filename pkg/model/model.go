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

// Package model defines the LLM interface used by Ensemble agents.
//
// A Model exposes one GenerateContent method with a stream flag and
// returns iter.Seq2[*Response, error] in both modes. Non-streaming calls
// yield exactly one Response. Streaming calls yield partial Responses
// (Partial=true) followed by one aggregated Response for persistence.
package model

import (
	"context"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/tool"
)

// Model is a language model backend.
type Model interface {
	// Name returns the model identifier.
	Name() string

	// GenerateContent produces responses for the given request.
	//
	// When stream is false the sequence yields exactly one complete
	// Response. When stream is true it yields partial Responses followed
	// by a final aggregated one with Partial=false.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases resources held by the model.
	Close() error
}

// Request contains the input for a model call.
type Request struct {
	// Messages is the conversation history.
	Messages []*a2a.Message

	// Tools the model may call.
	Tools []tool.Definition

	// Config holds generation options.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string
}

// GenerateConfig holds generation options.
type GenerateConfig struct {
	// Temperature controls randomness.
	Temperature *float64

	// MaxTokens limits the response length.
	MaxTokens *int

	// TopP controls nucleus sampling.
	TopP *float64

	// TopK controls top-k sampling.
	TopK *int

	// StopSequences terminate generation.
	StopSequences []string

	// ResponseMIMEType selects structured output, e.g. "application/json".
	ResponseMIMEType string

	// ResponseSchema constrains structured output.
	ResponseSchema map[string]any

	// EnableThinking requests model reasoning where supported.
	EnableThinking bool

	// ThinkingBudget limits thinking tokens. Zero means provider default.
	ThinkingBudget int
}

// Clone deep-copies the config so per-call mutation cannot leak between
// requests.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	if c.TopK != nil {
		v := *c.TopK
		clone.TopK = &v
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	if c.ResponseSchema != nil {
		clone.ResponseSchema = deepCopyMap(c.ResponseSchema)
	}
	return &clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(val)
		case []any:
			out[k] = deepCopySlice(val)
		default:
			out[k] = v
		}
	}
	return out
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			out[i] = deepCopyMap(val)
		case []any:
			out[i] = deepCopySlice(val)
		default:
			out[i] = v
		}
	}
	return out
}

// Response is the result of a model call.
type Response struct {
	// Content is the generated content.
	Content *Content

	// Partial marks a streaming chunk.
	Partial bool

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// ToolCalls requested by the model.
	ToolCalls []tool.ToolCall

	// Usage statistics, set on the final response.
	Usage *Usage

	// Thinking holds model reasoning when enabled.
	Thinking *ThinkingBlock

	// FinishReason says why generation stopped.
	FinishReason FinishReason

	// ErrorCode and ErrorMessage carry provider errors surfaced in-band.
	ErrorCode    string
	ErrorMessage string
}

// Content is generated message content.
type Content struct {
	Parts []a2a.Part
	Role  a2a.MessageRole
}

// Usage holds token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// ThinkingBlock holds model reasoning.
type ThinkingBlock struct {
	// ID identifies the block within the conversation.
	ID string

	// Content is the reasoning text.
	Content string

	// Signature carries provider verification data for multi-turn replay.
	Signature string
}

// FinishReason says why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonContent   FinishReason = "content_filter"
	FinishReasonError     FinishReason = "error"
)

// TextContent extracts the text parts of a response.
func (r *Response) TextContent() string {
	if r == nil || r.Content == nil {
		return ""
	}
	var text string
	for _, part := range r.Content.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// HasToolCalls reports whether the response requests tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToMessage converts the response content to an A2A message.
func (r *Response) ToMessage() *a2a.Message {
	if r == nil || r.Content == nil {
		return nil
	}
	return a2a.NewMessage(r.Content.Role, r.Content.Parts...)
}
