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

package model

import (
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/tool"
)

// StreamingAggregator accumulates streaming deltas into a final Response.
// Backends feed deltas in as chunks arrive; each Add method returns the
// partial Response to yield immediately, and Final produces the aggregated
// response for persistence.
type StreamingAggregator struct {
	text       strings.Builder
	thinking   strings.Builder
	thinkingID string
	signature  string
	toolCalls  []tool.ToolCall
	usage      *Usage
	finish     FinishReason
}

// NewStreamingAggregator creates an empty aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{}
}

// AddText records a text delta and returns the partial response for it.
func (a *StreamingAggregator) AddText(delta string) *Response {
	a.text.WriteString(delta)
	return &Response{
		Content: &Content{
			Parts: []a2a.Part{a2a.TextPart{Text: delta}},
			Role:  a2a.MessageRoleAgent,
		},
		Partial: true,
	}
}

// AddThinking records a reasoning delta and returns the partial response.
func (a *StreamingAggregator) AddThinking(delta string) *Response {
	if a.thinkingID == "" {
		a.thinkingID = uuid.NewString()
	}
	a.thinking.WriteString(delta)
	return &Response{
		Partial:  true,
		Thinking: &ThinkingBlock{ID: a.thinkingID, Content: delta},
	}
}

// SetThinkingSignature records the provider signature for the thinking
// block once the provider closes it.
func (a *StreamingAggregator) SetThinkingSignature(sig string) {
	a.signature = sig
}

// AddToolCall records a requested tool call and returns the partial
// response announcing it. Duplicate call IDs are ignored; providers replay
// calls across chunks.
func (a *StreamingAggregator) AddToolCall(call tool.ToolCall) *Response {
	for _, existing := range a.toolCalls {
		if existing.ID == call.ID {
			return nil
		}
	}
	a.toolCalls = append(a.toolCalls, call)
	return &Response{
		Partial:   true,
		ToolCalls: []tool.ToolCall{call},
	}
}

// SetUsage records token usage for the final response.
func (a *StreamingAggregator) SetUsage(u *Usage) {
	a.usage = u
}

// SetFinishReason records why generation stopped.
func (a *StreamingAggregator) SetFinishReason(r FinishReason) {
	a.finish = r
}

// HasContent reports whether anything was aggregated.
func (a *StreamingAggregator) HasContent() bool {
	return a.text.Len() > 0 || a.thinking.Len() > 0 || len(a.toolCalls) > 0
}

// Final builds the aggregated response.
func (a *StreamingAggregator) Final() *Response {
	resp := &Response{
		TurnComplete: true,
		ToolCalls:    a.toolCalls,
		Usage:        a.usage,
		FinishReason: a.finish,
	}
	if resp.FinishReason == "" {
		if len(a.toolCalls) > 0 {
			resp.FinishReason = FinishReasonToolCalls
		} else {
			resp.FinishReason = FinishReasonStop
		}
	}
	if a.text.Len() > 0 {
		resp.Content = &Content{
			Parts: []a2a.Part{a2a.TextPart{Text: a.text.String()}},
			Role:  a2a.MessageRoleAgent,
		}
	}
	if a.thinking.Len() > 0 {
		resp.Thinking = &ThinkingBlock{
			ID:        a.thinkingID,
			Content:   a.thinking.String(),
			Signature: a.signature,
		}
	}
	return resp
}
