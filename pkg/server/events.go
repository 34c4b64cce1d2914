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
	"fmt"
	"maps"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// Metadata keys stamped on outbound A2A events. Remote peers read the
// escalate and transfer keys back off terminal status updates.
const (
	metaKeyTaskID    = "ensemble:task_id"
	metaKeyContextID = "ensemble:context_id"
	metaKeyEscalate  = "ensemble:escalate"
	metaKeyTransfer  = "ensemble:transfer_to_agent"
)

// invocationMeta identifies the session an A2A request maps onto.
type invocationMeta struct {
	userID    string
	sessionID string
	eventMeta map[string]any
}

// toInvocationMeta derives session identity from the request context. The
// a2asrv context ID doubles as the session ID: a2asrv either takes the
// client-provided context_id or generates one and stores it in the task,
// so continuations land in the same session across server restarts. The
// user ID comes from message metadata and defaults to "default".
func toInvocationMeta(reqCtx *a2asrv.RequestContext) invocationMeta {
	meta := invocationMeta{
		sessionID: reqCtx.ContextID,
		eventMeta: map[string]any{
			metaKeyTaskID:    string(reqCtx.TaskID),
			metaKeyContextID: reqCtx.ContextID,
		},
	}

	if reqCtx.Message != nil && reqCtx.Message.Metadata != nil {
		if uid, ok := reqCtx.Message.Metadata["user_id"].(string); ok {
			meta.userID = uid
		}
	}
	if meta.userID == "" {
		meta.userID = "default"
	}

	return meta
}

// eventProcessor translates one invocation's events into A2A events:
// artifact chunks while the agent runs, then a terminal status.
type eventProcessor struct {
	reqCtx *a2asrv.RequestContext
	meta   invocationMeta

	// terminalActions accumulates actions for the terminal event
	terminalActions agent.EventActions

	// responseID is created once the first artifact is sent
	responseID a2a.ArtifactID

	// terminalEvents holds potential terminal events by state
	terminalEvents map[a2a.TaskState]*a2a.TaskStatusUpdateEvent
}

func newEventProcessor(reqCtx *a2asrv.RequestContext, meta invocationMeta) *eventProcessor {
	return &eventProcessor{
		reqCtx:         reqCtx,
		meta:           meta,
		terminalEvents: make(map[a2a.TaskState]*a2a.TaskStatusUpdateEvent),
	}
}

// process translates a single event. A nil result means the event carried
// nothing worth streaming; it may still have recorded a terminal state.
func (p *eventProcessor) process(event *agent.Event) *a2a.TaskArtifactUpdateEvent {
	if event == nil {
		return nil
	}

	p.updateTerminalActions(event)

	// Error events become the failed terminal status.
	if event.ErrorMessage != "" {
		cause := fmt.Errorf("%s", event.ErrorMessage)
		if event.ErrorCode != "" {
			cause = fmt.Errorf("%s: %s", event.ErrorCode, event.ErrorMessage)
		}
		p.terminalEvents[a2a.TaskStateFailed] = toFailedStatusEvent(p.reqCtx, cause, p.makeEventMeta(event))
	}

	// HITL input required - two signals:
	// 1. Event.LongRunningToolIDs (a paused long-running tool)
	// 2. Event.Actions.RequireInput (an explicit pause)
	if len(event.LongRunningToolIDs) > 0 || event.Actions.RequireInput {
		p.terminalEvents[a2a.TaskStateInputRequired] = p.makeInputRequiredEvent(event)
	}

	// Events can carry message parts, tool calls, tool results, or
	// thinking. Anything else has nothing to emit.
	hasParts := event.Message != nil && len(event.Message.Parts) > 0
	hasToolCalls := len(event.ToolCalls) > 0
	hasToolResults := len(event.ToolResults) > 0
	hasThinking, _ := event.CustomMetadata["thinking"].(string)

	if !hasParts && !hasToolCalls && !hasToolResults && hasThinking == "" {
		return nil
	}

	// Parts may be empty for tool- or thinking-only events.
	var parts []a2a.Part
	if event.Message != nil {
		parts = event.Message.Parts
	}

	// Create or update the response artifact.
	var result *a2a.TaskArtifactUpdateEvent
	if p.responseID == "" {
		result = a2a.NewArtifactEvent(p.reqCtx, parts...)
		p.responseID = result.Artifact.ID
	} else {
		result = a2a.NewArtifactUpdateEvent(p.reqCtx, p.responseID, parts...)
	}

	if eventMeta := p.makeEventMeta(event); len(eventMeta) > 0 {
		result.Metadata = eventMeta
	}

	return result
}

// makeInputRequiredEvent builds the input-required terminal status: the
// prompt as the status message plus enough metadata for the client to
// resume the right tool calls.
func (p *eventProcessor) makeInputRequiredEvent(event *agent.Event) *a2a.TaskStatusUpdateEvent {
	var statusMsg *a2a.Message
	if event.Actions.InputPrompt != "" {
		statusMsg = a2a.NewMessageForTask(
			a2a.MessageRoleAgent,
			p.reqCtx,
			a2a.TextPart{Text: event.Actions.InputPrompt},
		)
	}

	ev := a2a.NewStatusUpdateEvent(p.reqCtx, a2a.TaskStateInputRequired, statusMsg)
	ev.Final = true

	if ev.Metadata == nil {
		ev.Metadata = make(map[string]any)
	}
	ev.Metadata["input_required"] = true
	if len(event.LongRunningToolIDs) > 0 {
		// Convert []string to []any for A2A metadata compatibility.
		toolIDs := make([]any, len(event.LongRunningToolIDs))
		for i, id := range event.LongRunningToolIDs {
			toolIDs[i] = id
		}
		ev.Metadata["long_running_tool_ids"] = toolIDs
	}
	if event.Actions.InputPrompt != "" {
		ev.Metadata["input_prompt"] = event.Actions.InputPrompt
	}

	return ev
}

// makeTerminalEvents closes the artifact stream and picks the terminal
// status. Failed beats input-required beats completed.
func (p *eventProcessor) makeTerminalEvents() []a2a.Event {
	result := make([]a2a.Event, 0, 2)

	if p.responseID != "" {
		ev := a2a.NewArtifactUpdateEvent(p.reqCtx, p.responseID)
		ev.LastChunk = true
		result = append(result, ev)
	}

	for _, state := range []a2a.TaskState{a2a.TaskStateFailed, a2a.TaskStateInputRequired} {
		if ev, ok := p.terminalEvents[state]; ok {
			ev.Metadata = p.setActionsMeta(ev.Metadata)
			result = append(result, ev)
			return result
		}
	}

	ev := a2a.NewStatusUpdateEvent(p.reqCtx, a2a.TaskStateCompleted, nil)
	ev.Final = true
	ev.Metadata = p.setActionsMeta(maps.Clone(p.meta.eventMeta))
	result = append(result, ev)

	return result
}

func (p *eventProcessor) makeFailedEvent(cause error, event *agent.Event) *a2a.TaskStatusUpdateEvent {
	meta := p.meta.eventMeta
	if event != nil {
		meta = p.makeEventMeta(event)
	}
	return toFailedStatusEvent(p.reqCtx, cause, meta)
}

func (p *eventProcessor) updateTerminalActions(event *agent.Event) {
	p.terminalActions.Escalate = p.terminalActions.Escalate || event.Actions.Escalate
	if event.Actions.TransferToAgent != "" {
		p.terminalActions.TransferToAgent = event.Actions.TransferToAgent
	}
}

// makeEventMeta builds the per-event metadata clients use to render
// intermediate steps: author, branch, tool activity, model thinking.
func (p *eventProcessor) makeEventMeta(event *agent.Event) map[string]any {
	meta := maps.Clone(p.meta.eventMeta)
	if meta == nil {
		meta = make(map[string]any)
	}

	meta["event_id"] = event.ID
	meta["author"] = event.Author
	if event.Branch != "" {
		meta["branch"] = event.Branch
	}
	// Partial lets clients dedupe streamed chunks against the final text.
	meta["partial"] = event.Partial

	if thinking, ok := event.CustomMetadata["thinking"].(string); ok && thinking != "" {
		block := map[string]any{"content": thinking}
		// Signature rides along for multi-turn verification.
		if sig, ok := event.CustomMetadata["thinking_signature"].(string); ok && sig != "" {
			block["signature"] = sig
		}
		meta["thinking"] = block
	}

	if len(event.ToolCalls) > 0 {
		toolCalls := make([]map[string]any, len(event.ToolCalls))
		for i, tc := range event.ToolCalls {
			toolCalls[i] = map[string]any{
				"id":   tc.ID,
				"name": tc.Name,
				"args": tc.Args,
			}
		}
		meta["tool_calls"] = toolCalls
	}

	if len(event.ToolResults) > 0 {
		toolResults := make([]map[string]any, len(event.ToolResults))
		for i, tr := range event.ToolResults {
			toolResults[i] = map[string]any{
				"id":       tr.ID,
				"name":     tr.Name,
				"response": tr.Response,
			}
		}
		meta["tool_results"] = toolResults
	}

	return meta
}

func (p *eventProcessor) setActionsMeta(meta map[string]any) map[string]any {
	if meta == nil {
		meta = make(map[string]any)
	}

	if p.terminalActions.Escalate {
		meta[metaKeyEscalate] = true
	}
	if p.terminalActions.TransferToAgent != "" {
		meta[metaKeyTransfer] = p.terminalActions.TransferToAgent
	}

	return meta
}

func toFailedStatusEvent(reqCtx *a2asrv.RequestContext, cause error, meta map[string]any) *a2a.TaskStatusUpdateEvent {
	msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: cause.Error()})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Metadata = meta
	ev.Final = true
	return ev
}
