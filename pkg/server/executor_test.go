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
	"errors"
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/runner"
	"github.com/ensembleworks/ensemble/pkg/session"
)

// captureQueue records written events. The embedded interface satisfies
// eventqueue.Queue; the executor only ever calls Write.
type captureQueue struct {
	eventqueue.Queue
	events []a2a.Event
}

func (q *captureQueue) Write(_ context.Context, event a2a.Event) error {
	q.events = append(q.events, event)
	return nil
}

// replyAgent answers every invocation with one text event.
func replyAgent(t *testing.T, text string) agent.Agent {
	t.Helper()
	ag, err := agent.New(agent.Config{
		Name: "responder",
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				event := agent.NewEvent(ctx.InvocationID())
				event.Author = "responder"
				event.Message = agent.NewTextContent(a2a.MessageRoleAgent, text).ToMessage()
				yield(event, nil)
			}
		},
	})
	require.NoError(t, err)
	return ag
}

func failingAgent(t *testing.T) agent.Agent {
	t.Helper()
	ag, err := agent.New(agent.Config{
		Name: "broken",
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return func(yield func(*agent.Event, error) bool) {
				yield(nil, errors.New("model unreachable"))
			}
		},
	})
	require.NoError(t, err)
	return ag
}

func testExecutor(t *testing.T, ag agent.Agent) *Executor {
	t.Helper()
	r, err := runner.New(runner.Config{
		AppName:        "test",
		Agent:          ag,
		SessionService: session.InMemoryService(),
	})
	require.NoError(t, err)
	return NewExecutor(ExecutorConfig{
		Runner:    r,
		RunConfig: agent.RunConfig{StreamingMode: agent.StreamingModeNone},
	})
}

func TestExecutor_Execute(t *testing.T) {
	e := testExecutor(t, replyAgent(t, "hello back"))
	q := &captureQueue{}

	err := e.Execute(context.Background(), testReqCtx(userMessage("hello")), q)
	require.NoError(t, err)

	require.Len(t, q.events, 5)
	assert.Equal(t, a2a.TaskStateSubmitted, asStatusEvent(t, q.events[0]).Status.State)

	working := asStatusEvent(t, q.events[1])
	assert.Equal(t, a2a.TaskStateWorking, working.Status.State)
	assert.Equal(t, "task-1", working.Metadata[metaKeyTaskID])

	chunk := asArtifactEvent(t, q.events[2])
	assert.Equal(t, "hello back", partText(t, chunk.Artifact.Parts))
	assert.Equal(t, "responder", chunk.Metadata["author"])

	closing := asArtifactEvent(t, q.events[3])
	assert.True(t, closing.LastChunk)
	assert.Equal(t, chunk.Artifact.ID, closing.Artifact.ID)

	terminal := asStatusEvent(t, q.events[4])
	assert.Equal(t, a2a.TaskStateCompleted, terminal.Status.State)
	assert.True(t, terminal.Final)
}

func TestExecutor_Execute_ExistingTaskSkipsSubmitted(t *testing.T) {
	e := testExecutor(t, replyAgent(t, "again"))
	q := &captureQueue{}

	reqCtx := testReqCtx(userMessage("continue"))
	reqCtx.StoredTask = &a2a.Task{ID: "task-1", ContextID: "ctx-1"}

	require.NoError(t, e.Execute(context.Background(), reqCtx, q))

	require.Len(t, q.events, 4)
	assert.Equal(t, a2a.TaskStateWorking, asStatusEvent(t, q.events[0]).Status.State)
}

func TestExecutor_Execute_RequiresMessage(t *testing.T) {
	e := testExecutor(t, replyAgent(t, "x"))
	q := &captureQueue{}

	err := e.Execute(context.Background(), testReqCtx(nil), q)
	require.ErrorContains(t, err, "message not provided")
	assert.Empty(t, q.events)
}

func TestExecutor_Execute_RunErrorBecomesFailedStatus(t *testing.T) {
	e := testExecutor(t, failingAgent(t))
	q := &captureQueue{}

	// The run failure is reported in-band as a failed task, not as a
	// transport error.
	err := e.Execute(context.Background(), testReqCtx(userMessage("hello")), q)
	require.NoError(t, err)

	require.Len(t, q.events, 3)
	status := asStatusEvent(t, q.events[2])
	assert.Equal(t, a2a.TaskStateFailed, status.Status.State)
	assert.True(t, status.Final)
	require.NotNil(t, status.Status.Message)
	text := partText(t, status.Status.Message.Parts)
	assert.Contains(t, text, "agent run failed")
	assert.Contains(t, text, "model unreachable")
}

func TestExecutor_SessionContinuity(t *testing.T) {
	e := testExecutor(t, replyAgent(t, "reply"))

	first := &captureQueue{}
	require.NoError(t, e.Execute(context.Background(), testReqCtx(userMessage("one")), first))

	// Same context ID: the second request continues the same session.
	second := &captureQueue{}
	require.NoError(t, e.Execute(context.Background(), testReqCtx(userMessage("two")), second))

	require.Len(t, second.events, 5)
	assert.Equal(t, a2a.TaskStateCompleted, asStatusEvent(t, second.events[4]).Status.State)
}

func TestExecutor_Cancel(t *testing.T) {
	e := testExecutor(t, replyAgent(t, "x"))
	q := &captureQueue{}

	require.NoError(t, e.Cancel(context.Background(), testReqCtx(nil), q))

	require.Len(t, q.events, 1)
	status := asStatusEvent(t, q.events[0])
	assert.Equal(t, a2a.TaskStateCanceled, status.Status.State)
	assert.True(t, status.Final)
}
