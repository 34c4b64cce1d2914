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

package remoteagent

import (
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// CustomMetadata keys carried on converted events.
const (
	metadataTaskID    = "remote_task_id"
	metadataContextID = "remote_context_id"
)

// Coordination keys an ensemble server attaches to final event metadata.
const (
	metaKeyEscalate = "ensemble:escalate"
	metaKeyTransfer = "ensemble:transfer_to_agent"
)

const (
	errorCodeTaskFailed   = "remote_task_failed"
	errorCodeTaskCanceled = "remote_task_canceled"
)

// convertEvent maps one streamed A2A event to a local event. Unknown
// event types are dropped. versions tracks per-artifact update counts
// for the turn, so artifact deltas carry a climbing version number.
func (a *remoteAgent) convertEvent(ctx agent.InvocationContext, a2aEvent a2a.Event, versions map[a2a.ArtifactID]int) *agent.Event {
	switch v := a2aEvent.(type) {
	case *a2a.Message:
		return a.messageEvent(ctx, v)
	case *a2a.Task:
		return a.taskEvent(ctx, v, versions)
	case *a2a.TaskStatusUpdateEvent:
		return a.statusEvent(ctx, v)
	case *a2a.TaskArtifactUpdateEvent:
		return a.artifactEvent(ctx, v, versions)
	default:
		return nil
	}
}

// messageEvent handles a direct message reply, the no-task fast path.
func (a *remoteAgent) messageEvent(ctx agent.InvocationContext, msg *a2a.Message) *agent.Event {
	event := a.newEvent(ctx)
	event.Message = msg
	event.TurnComplete = true
	if msg.TaskID != "" || msg.ContextID != "" {
		a.tagTask(event, msg.TaskID, msg.ContextID)
	}
	applyActions(event, msg.Metadata)
	return event
}

// taskEvent handles a full task snapshot: artifacts and the status
// message collapse into one message, the task state decides how the turn
// ends.
func (a *remoteAgent) taskEvent(ctx agent.InvocationContext, task *a2a.Task, versions map[a2a.ArtifactID]int) *agent.Event {
	event := a.newEvent(ctx)

	var parts []a2a.Part
	for _, artifact := range task.Artifacts {
		parts = append(parts, artifact.Parts...)
		recordArtifact(event, versions, artifact.ID)
	}
	if task.Status.Message != nil {
		parts = append(parts, task.Status.Message.Parts...)
	}
	if len(parts) > 0 {
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	}
	a.tagTask(event, task.ID, task.ContextID)
	a.applyStatus(ctx, event, task.Status, task.ID, task.ContextID, true)
	return event
}

// statusEvent handles task status updates. Final updates end the turn;
// intermediate ones stream their message, if any, as a partial event.
func (a *remoteAgent) statusEvent(ctx agent.InvocationContext, update *a2a.TaskStatusUpdateEvent) *agent.Event {
	if !update.Final {
		if update.Status.Message == nil {
			return nil
		}
		event := a.newEvent(ctx)
		event.Message = update.Status.Message
		event.Partial = true
		a.tagTask(event, update.TaskID, update.ContextID)
		return event
	}

	event := a.newEvent(ctx)
	if update.Status.Message != nil {
		event.Message = update.Status.Message
	}
	a.tagTask(event, update.TaskID, update.ContextID)
	applyActions(event, update.Metadata)
	a.applyStatus(ctx, event, update.Status, update.TaskID, update.ContextID, false)
	return event
}

// artifactEvent streams artifact chunks as partial events until the last
// chunk arrives.
func (a *remoteAgent) artifactEvent(ctx agent.InvocationContext, update *a2a.TaskArtifactUpdateEvent, versions map[a2a.ArtifactID]int) *agent.Event {
	if len(update.Artifact.Parts) == 0 {
		return nil
	}
	event := a.newEvent(ctx)
	event.Message = a2a.NewMessage(a2a.MessageRoleAgent, update.Artifact.Parts...)
	event.Partial = !update.LastChunk
	a.tagTask(event, update.TaskID, update.ContextID)
	recordArtifact(event, versions, update.Artifact.ID)
	return event
}

// recordArtifact bumps the artifact's per-turn version and records the
// update on the event's actions.
func recordArtifact(event *agent.Event, versions map[a2a.ArtifactID]int, id a2a.ArtifactID) {
	versions[id]++
	if event.Actions.ArtifactDelta == nil {
		event.Actions.ArtifactDelta = make(map[string]int)
	}
	event.Actions.ArtifactDelta[string(id)] = versions[id]
}

// applyStatus maps the remote task state onto the event. A failed or
// canceled remote task becomes an error event; input-required pauses the
// turn and records the continuation; other terminal states finish it.
// snapshot marks a full task snapshot, whose non-terminal states stay
// partial.
func (a *remoteAgent) applyStatus(ctx agent.InvocationContext, event *agent.Event, status a2a.TaskStatus, taskID a2a.TaskID, contextID string, snapshot bool) {
	switch status.State {
	case a2a.TaskStateFailed:
		event.ErrorCode = errorCodeTaskFailed
		event.ErrorMessage = statusText(status, "remote task failed")
		event.TurnComplete = true
		a.clearContinuation(ctx, event)
	case a2a.TaskStateCanceled:
		event.ErrorCode = errorCodeTaskCanceled
		event.ErrorMessage = statusText(status, "remote task canceled")
		event.TurnComplete = true
		a.clearContinuation(ctx, event)
	case a2a.TaskStateInputRequired:
		event.Actions.RequireInput = true
		event.Actions.InputPrompt = statusText(status, "")
		event.TurnComplete = true
		a.storeContinuation(event, taskID, contextID)
	default:
		if snapshot && !status.State.Terminal() {
			event.Partial = true
			return
		}
		event.TurnComplete = true
		a.clearContinuation(ctx, event)
	}
}

// applyActions lifts coordination signals the remote server attached
// to event metadata onto the local event, so an escalation or transfer
// decided remotely steers the local agent tree.
func applyActions(event *agent.Event, meta map[string]any) {
	if meta == nil {
		return
	}
	if v, ok := meta[metaKeyEscalate].(bool); ok {
		event.Actions.Escalate = v
	}
	if v, ok := meta[metaKeyTransfer].(string); ok {
		event.Actions.TransferToAgent = v
	}
}

// tagTask records the remote task identity on the event metadata.
func (a *remoteAgent) tagTask(event *agent.Event, taskID a2a.TaskID, contextID string) {
	if event.CustomMetadata == nil {
		event.CustomMetadata = make(map[string]any)
	}
	event.CustomMetadata[metadataTaskID] = string(taskID)
	event.CustomMetadata[metadataContextID] = contextID
}

// storeContinuation stages the task and context IDs in session state so
// the next invocation resumes the remote task.
func (a *remoteAgent) storeContinuation(event *agent.Event, taskID a2a.TaskID, contextID string) {
	event.Actions.StateDelta[a.taskKey()] = string(taskID)
	event.Actions.StateDelta[a.contextKey()] = contextID
}

// clearContinuation drops the stored continuation once the remote task
// reached a terminal state. Nothing is written when no continuation was
// stored.
func (a *remoteAgent) clearContinuation(ctx agent.InvocationContext, event *agent.Event) {
	if a.stateString(ctx, a.taskKey()) == "" {
		return
	}
	event.Actions.StateDelta[a.taskKey()] = ""
	event.Actions.StateDelta[a.contextKey()] = ""
}

func statusText(status a2a.TaskStatus, fallback string) string {
	if status.Message == nil {
		return fallback
	}
	var sb strings.Builder
	for _, part := range status.Message.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	if sb.Len() == 0 {
		return fallback
	}
	return sb.String()
}
