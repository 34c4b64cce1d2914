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
	"fmt"
	"log/slog"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/runner"
)

// ExecutorConfig configures an A2A executor.
type ExecutorConfig struct {
	// Runner executes invocations against the agent. The runner creates
	// the session on first use, so the executor does not manage sessions.
	Runner *runner.Runner

	// RunConfig is passed through to every invocation.
	RunConfig agent.RunConfig
}

// eventWriter is the slice of eventqueue.Queue the executor writes to.
type eventWriter interface {
	Write(ctx context.Context, event a2a.Event) error
}

// Executor implements a2asrv.AgentExecutor on top of a runner.
//
// Event translation follows these rules:
//   - New task: TaskStatusUpdateEvent with TaskStateSubmitted
//   - Before the invocation: TaskStatusUpdateEvent with TaskStateWorking
//   - Each content-bearing agent event: TaskArtifactUpdateEvent
//   - After the last event: TaskArtifactUpdateEvent with LastChunk=true
//   - On error: TaskStatusUpdateEvent with TaskStateFailed
//   - On a paused tool or input request: TaskStateInputRequired
//   - Otherwise: TaskStatusUpdateEvent with TaskStateCompleted
type Executor struct {
	config ExecutorConfig
}

// NewExecutor creates an A2A executor for the runner.
func NewExecutor(config ExecutorConfig) *Executor {
	return &Executor{config: config}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	msg := reqCtx.Message
	if msg == nil {
		slog.Error("Execute: message not provided")
		return fmt.Errorf("message not provided")
	}

	content := &agent.Content{Parts: msg.Parts, Role: msg.Role}

	// Emit TaskStateSubmitted for new tasks.
	if reqCtx.StoredTask == nil {
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateSubmitted, nil)
		if err := queue.Write(ctx, event); err != nil {
			return fmt.Errorf("failed to write submitted event: %w", err)
		}
	}

	meta := toInvocationMeta(reqCtx)
	slog.Debug("Execute: starting invocation",
		"agent", e.config.Runner.RootAgent().Name(),
		"user", meta.userID,
		"session", meta.sessionID,
		"task", string(reqCtx.TaskID))

	workingEvent := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, nil)
	workingEvent.Metadata = meta.eventMeta
	if err := queue.Write(ctx, workingEvent); err != nil {
		return err
	}

	processor := newEventProcessor(reqCtx, meta)
	return e.process(ctx, processor, content, queue)
}

// Cancel implements a2asrv.AgentExecutor.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

func (e *Executor) process(ctx context.Context, processor *eventProcessor, content *agent.Content, q eventWriter) error {
	meta := processor.meta

	req := runner.RunRequest{
		UserID:    meta.userID,
		SessionID: meta.sessionID,
		Content:   content,
		RunConfig: e.config.RunConfig,
	}

	for event, err := range e.config.Runner.Run(ctx, req) {
		if err != nil {
			failedEvent := processor.makeFailedEvent(fmt.Errorf("agent run failed: %w", err), nil)
			if writeErr := q.Write(ctx, failedEvent); writeErr != nil {
				return fmt.Errorf("failed to write error event: %w (original: %w)", writeErr, err)
			}
			return nil
		}

		if a2aEvent := processor.process(event); a2aEvent != nil {
			if err := q.Write(ctx, a2aEvent); err != nil {
				return fmt.Errorf("failed to write event: %w", err)
			}
		}
	}

	for _, ev := range processor.makeTerminalEvents() {
		if err := q.Write(ctx, ev); err != nil {
			return fmt.Errorf("failed to write terminal event: %w", err)
		}
	}

	return nil
}

// Ensure Executor implements a2asrv.AgentExecutor
var _ a2asrv.AgentExecutor = (*Executor)(nil)
