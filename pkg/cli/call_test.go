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

package cli

import (
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stream yields the given events and then the trailing error, if any.
func stream(trailing error, events ...a2a.Event) iter.Seq2[a2a.Event, error] {
	return func(yield func(a2a.Event, error) bool) {
		for _, event := range events {
			if !yield(event, nil) {
				return
			}
		}
		if trailing != nil {
			yield(nil, trailing)
		}
	}
}

func statusEvent(state a2a.TaskState, final bool, text string) *a2a.TaskStatusUpdateEvent {
	update := &a2a.TaskStatusUpdateEvent{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Status:    a2a.TaskStatus{State: state},
		Final:     final,
	}
	if text != "" {
		update.Status.Message = &a2a.Message{
			Role:  a2a.MessageRoleAgent,
			Parts: []a2a.Part{a2a.TextPart{Text: text}},
		}
	}
	return update
}

func artifactEvent(text string) *a2a.TaskArtifactUpdateEvent {
	return &a2a.TaskArtifactUpdateEvent{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Artifact:  &a2a.Artifact{Parts: []a2a.Part{a2a.TextPart{Text: text}}},
	}
}

func TestRenderStream_DirectMessage(t *testing.T) {
	msg := &a2a.Message{
		Role:      a2a.MessageRoleAgent,
		Parts:     []a2a.Part{a2a.TextPart{Text: "Hello"}, a2a.TextPart{Text: " world"}},
		TaskID:    "task-9",
		ContextID: "ctx-9",
	}

	var out strings.Builder
	res, err := renderStream(stream(nil, msg), &out)
	require.NoError(t, err)

	assert.Equal(t, "Hello world\n", out.String())
	assert.Equal(t, a2a.TaskStateCompleted, res.state)
	assert.Equal(t, a2a.TaskID("task-9"), res.taskID)
	assert.Equal(t, "ctx-9", res.contextID)
}

func TestRenderStream_ArtifactChunks(t *testing.T) {
	events := stream(nil,
		statusEvent(a2a.TaskStateWorking, false, ""),
		artifactEvent("The answer "),
		artifactEvent("is 42."),
		statusEvent(a2a.TaskStateCompleted, true, ""),
	)

	var out strings.Builder
	res, err := renderStream(events, &out)
	require.NoError(t, err)

	assert.Equal(t, "The answer is 42.\n", out.String())
	assert.Equal(t, a2a.TaskStateCompleted, res.state)
	assert.Equal(t, a2a.TaskID("task-1"), res.taskID)
}

func TestRenderStream_CompletedStatusCarriesText(t *testing.T) {
	// Nothing streamed before the terminal update, so its message is
	// the whole answer.
	events := stream(nil, statusEvent(a2a.TaskStateCompleted, true, "done deal"))

	var out strings.Builder
	res, err := renderStream(events, &out)
	require.NoError(t, err)

	assert.Equal(t, "done deal\n", out.String())
	assert.Equal(t, a2a.TaskStateCompleted, res.state)
}

func TestRenderStream_InputRequired(t *testing.T) {
	events := stream(nil,
		artifactEvent("Checking flights."),
		statusEvent(a2a.TaskStateInputRequired, true, "Which city?"),
	)

	var out strings.Builder
	res, err := renderStream(events, &out)
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateInputRequired, res.state)
	assert.Equal(t, "Which city?", res.prompt)
	assert.Equal(t, a2a.TaskID("task-1"), res.taskID)
	assert.Equal(t, "ctx-1", res.contextID)
	// The prompt is returned, not streamed into the reply text.
	assert.Equal(t, "Checking flights.\n", out.String())
}

func TestRenderStream_Failed(t *testing.T) {
	events := stream(nil, statusEvent(a2a.TaskStateFailed, true, "model quota exceeded"))

	var out strings.Builder
	res, err := renderStream(events, &out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "task failed")
	assert.ErrorContains(t, err, "model quota exceeded")
	assert.Equal(t, a2a.TaskStateFailed, res.state)
}

func TestRenderStream_FailedWithoutDetail(t *testing.T) {
	events := stream(nil, statusEvent(a2a.TaskStateFailed, true, ""))

	var out strings.Builder
	_, err := renderStream(events, &out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no detail")
}

func TestRenderStream_Canceled(t *testing.T) {
	events := stream(nil, statusEvent(a2a.TaskStateCanceled, true, ""))

	var out strings.Builder
	res, err := renderStream(events, &out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "task canceled")
	assert.Equal(t, a2a.TaskStateCanceled, res.state)
}

func TestRenderStream_StreamError(t *testing.T) {
	events := stream(errors.New("connection reset"), artifactEvent("partial "))

	var out strings.Builder
	_, err := renderStream(events, &out)
	require.Error(t, err)
	assert.ErrorContains(t, err, "message stream")
	assert.ErrorContains(t, err, "connection reset")
}

func TestRenderStream_TaskSnapshot(t *testing.T) {
	task := &a2a.Task{
		ID:        "task-5",
		ContextID: "ctx-5",
		Status:    a2a.TaskStatus{State: a2a.TaskStateCompleted},
		Artifacts: []*a2a.Artifact{
			{Parts: []a2a.Part{a2a.TextPart{Text: "part one. "}}},
			{Parts: []a2a.Part{a2a.TextPart{Text: "part two."}}},
		},
	}

	var out strings.Builder
	res, err := renderStream(stream(nil, task), &out)
	require.NoError(t, err)

	assert.Equal(t, "part one. part two.\n", out.String())
	assert.Equal(t, a2a.TaskStateCompleted, res.state)
	assert.Equal(t, a2a.TaskID("task-5"), res.taskID)
	assert.Equal(t, "ctx-5", res.contextID)
}

func TestRenderStream_TaskSnapshotInputRequired(t *testing.T) {
	task := &a2a.Task{
		ID:        "task-5",
		ContextID: "ctx-5",
		Status: a2a.TaskStatus{
			State: a2a.TaskStateInputRequired,
			Message: &a2a.Message{
				Role:  a2a.MessageRoleAgent,
				Parts: []a2a.Part{a2a.TextPart{Text: "Need a date range."}},
			},
		},
	}

	var out strings.Builder
	res, err := renderStream(stream(nil, task), &out)
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateInputRequired, res.state)
	assert.Equal(t, "Need a date range.", res.prompt)
	assert.Empty(t, out.String())
}

func TestRenderStream_Empty(t *testing.T) {
	var out strings.Builder
	res, err := renderStream(stream(nil), &out)
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Empty(t, res.prompt)
}
