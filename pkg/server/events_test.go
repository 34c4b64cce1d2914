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
	"strings"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

func testReqCtx(msg *a2a.Message) *a2asrv.RequestContext {
	return &a2asrv.RequestContext{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Message:   msg,
	}
}

func userMessage(text string) *a2a.Message {
	return a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
}

func newTestProcessor() *eventProcessor {
	reqCtx := testReqCtx(userMessage("hi"))
	return newEventProcessor(reqCtx, toInvocationMeta(reqCtx))
}

// contentEvent builds a non-partial agent event carrying one text part.
func contentEvent(text string) *agent.Event {
	event := agent.NewEvent("inv-1")
	event.Author = "assistant"
	event.Message = agent.NewTextContent(a2a.MessageRoleAgent, text).ToMessage()
	return event
}

func partText(t *testing.T, parts []a2a.Part) string {
	t.Helper()
	var sb strings.Builder
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

func asStatusEvent(t *testing.T, event a2a.Event) *a2a.TaskStatusUpdateEvent {
	t.Helper()
	status, ok := event.(*a2a.TaskStatusUpdateEvent)
	require.True(t, ok, "expected status update, got %T", event)
	return status
}

func asArtifactEvent(t *testing.T, event a2a.Event) *a2a.TaskArtifactUpdateEvent {
	t.Helper()
	artifact, ok := event.(*a2a.TaskArtifactUpdateEvent)
	require.True(t, ok, "expected artifact update, got %T", event)
	return artifact
}

func TestToInvocationMeta(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		meta := toInvocationMeta(testReqCtx(userMessage("hi")))

		assert.Equal(t, "ctx-1", meta.sessionID, "context ID doubles as session ID")
		assert.Equal(t, "default", meta.userID)
		assert.Equal(t, "task-1", meta.eventMeta[metaKeyTaskID])
		assert.Equal(t, "ctx-1", meta.eventMeta[metaKeyContextID])
	})

	t.Run("user id from message metadata", func(t *testing.T) {
		msg := userMessage("hi")
		msg.Metadata = map[string]any{"user_id": "alice"}

		meta := toInvocationMeta(testReqCtx(msg))
		assert.Equal(t, "alice", meta.userID)
	})

	t.Run("non-string user id ignored", func(t *testing.T) {
		msg := userMessage("hi")
		msg.Metadata = map[string]any{"user_id": 42}

		meta := toInvocationMeta(testReqCtx(msg))
		assert.Equal(t, "default", meta.userID)
	})

	t.Run("nil message", func(t *testing.T) {
		meta := toInvocationMeta(testReqCtx(nil))
		assert.Equal(t, "default", meta.userID)
	})
}

func TestEventProcessor_SkipsEmptyEvents(t *testing.T) {
	p := newTestProcessor()

	assert.Nil(t, p.process(nil))

	empty := agent.NewEvent("inv-1")
	empty.Author = "assistant"
	assert.Nil(t, p.process(empty), "events without content stream nothing")

	events := p.makeTerminalEvents()
	require.Len(t, events, 1, "no artifact was opened, so no closing chunk")
	status := asStatusEvent(t, events[0])
	assert.Equal(t, a2a.TaskStateCompleted, status.Status.State)
	assert.True(t, status.Final)
}

func TestEventProcessor_StreamsArtifactChunks(t *testing.T) {
	p := newTestProcessor()

	first := p.process(contentEvent("Hello"))
	require.NotNil(t, first)
	require.NotEmpty(t, first.Artifact.ID)
	assert.Equal(t, "Hello", partText(t, first.Artifact.Parts))

	second := p.process(contentEvent(", world"))
	require.NotNil(t, second)
	assert.Equal(t, first.Artifact.ID, second.Artifact.ID,
		"chunks share one response artifact")
	assert.Equal(t, ", world", partText(t, second.Artifact.Parts))

	assert.Equal(t, "assistant", first.Metadata["author"])
	assert.Equal(t, false, first.Metadata["partial"])
	assert.Equal(t, "task-1", first.Metadata[metaKeyTaskID])
	assert.NotEmpty(t, first.Metadata["event_id"])
}

func TestEventProcessor_TerminalAfterContent(t *testing.T) {
	p := newTestProcessor()

	first := p.process(contentEvent("answer"))
	require.NotNil(t, first)

	events := p.makeTerminalEvents()
	require.Len(t, events, 2)

	closing := asArtifactEvent(t, events[0])
	assert.True(t, closing.LastChunk)
	assert.Equal(t, first.Artifact.ID, closing.Artifact.ID)

	status := asStatusEvent(t, events[1])
	assert.Equal(t, a2a.TaskStateCompleted, status.Status.State)
	assert.True(t, status.Final)
	assert.Equal(t, "task-1", status.Metadata[metaKeyTaskID])
	assert.Equal(t, "ctx-1", status.Metadata[metaKeyContextID])
}

func TestEventProcessor_ErrorEventFails(t *testing.T) {
	p := newTestProcessor()

	event := agent.NewEvent("inv-1")
	event.Author = "assistant"
	event.ErrorCode = "model_error"
	event.ErrorMessage = "quota exhausted"
	assert.Nil(t, p.process(event), "error events stream nothing")

	events := p.makeTerminalEvents()
	require.Len(t, events, 1)
	status := asStatusEvent(t, events[0])
	assert.Equal(t, a2a.TaskStateFailed, status.Status.State)
	assert.True(t, status.Final)
	require.NotNil(t, status.Status.Message)
	assert.Equal(t, "model_error: quota exhausted", partText(t, status.Status.Message.Parts))
}

func TestEventProcessor_InputRequired(t *testing.T) {
	p := newTestProcessor()

	event := agent.NewEvent("inv-1")
	event.Author = "form"
	event.Actions.RequireInput = true
	event.Actions.InputPrompt = "Which account?"
	p.process(event)

	events := p.makeTerminalEvents()
	require.Len(t, events, 1)
	status := asStatusEvent(t, events[0])
	assert.Equal(t, a2a.TaskStateInputRequired, status.Status.State)
	assert.True(t, status.Final)
	assert.Equal(t, true, status.Metadata["input_required"])
	assert.Equal(t, "Which account?", status.Metadata["input_prompt"])
	require.NotNil(t, status.Status.Message)
	assert.Equal(t, "Which account?", partText(t, status.Status.Message.Parts))
}

func TestEventProcessor_LongRunningToolPauses(t *testing.T) {
	p := newTestProcessor()

	event := agent.NewEvent("inv-1")
	event.Author = "assistant"
	event.LongRunningToolIDs = []string{"call-1", "call-2"}
	p.process(event)

	events := p.makeTerminalEvents()
	require.Len(t, events, 1)
	status := asStatusEvent(t, events[0])
	assert.Equal(t, a2a.TaskStateInputRequired, status.Status.State)
	assert.Equal(t, []any{"call-1", "call-2"}, status.Metadata["long_running_tool_ids"])
	assert.Nil(t, status.Status.Message, "no prompt means no status message")
}

func TestEventProcessor_FailureBeatsInputRequired(t *testing.T) {
	p := newTestProcessor()

	pause := agent.NewEvent("inv-1")
	pause.Actions.RequireInput = true
	p.process(pause)

	failed := agent.NewEvent("inv-1")
	failed.ErrorMessage = "downstream broke"
	p.process(failed)

	events := p.makeTerminalEvents()
	require.Len(t, events, 1)
	status := asStatusEvent(t, events[0])
	assert.Equal(t, a2a.TaskStateFailed, status.Status.State)
}

func TestEventProcessor_ActionsRideTerminalMetadata(t *testing.T) {
	p := newTestProcessor()

	event := contentEvent("done")
	event.Actions.Escalate = true
	event.Actions.TransferToAgent = "editor"
	require.NotNil(t, p.process(event))

	events := p.makeTerminalEvents()
	require.Len(t, events, 2)
	status := asStatusEvent(t, events[1])
	assert.Equal(t, a2a.TaskStateCompleted, status.Status.State)
	assert.Equal(t, true, status.Metadata[metaKeyEscalate])
	assert.Equal(t, "editor", status.Metadata[metaKeyTransfer])
}

func TestEventProcessor_ToolAndThinkingMetadata(t *testing.T) {
	p := newTestProcessor()

	call := agent.NewEvent("inv-1")
	call.Author = "assistant"
	call.ToolCalls = []agent.ToolCallState{
		{ID: "call-1", Name: "search", Args: map[string]any{"q": "go"}},
	}
	call.CustomMetadata = map[string]any{
		"thinking":           "check the docs",
		"thinking_signature": "sig-1",
	}

	artifact := p.process(call)
	require.NotNil(t, artifact, "tool-only events still stream their metadata")
	assert.Empty(t, artifact.Artifact.Parts)

	calls, ok := artifact.Metadata["tool_calls"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0]["name"])
	assert.Equal(t, "call-1", calls[0]["id"])

	thinking, ok := artifact.Metadata["thinking"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "check the docs", thinking["content"])
	assert.Equal(t, "sig-1", thinking["signature"])

	result := agent.NewEvent("inv-1")
	result.Author = "assistant"
	result.ToolResults = []agent.ToolResultState{
		{ID: "call-1", Name: "search", Response: map[string]any{"hits": 3}},
	}

	update := p.process(result)
	require.NotNil(t, update)
	results, ok := update.Metadata["tool_results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "search", results[0]["name"])
}
