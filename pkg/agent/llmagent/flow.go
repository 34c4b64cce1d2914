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

package llmagent

import (
	"fmt"
	"iter"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/tool"
)

// Event metadata keys for thinking reconstruction across turns.
const (
	metadataThinking          = "thinking"
	metadataThinkingSignature = "thinking_signature"
)

// clientCallIDPrefix marks tool call IDs generated locally when a model
// returns calls without IDs.
const clientCallIDPrefix = "ensemble-"

// flow drives the reasoning loop: build request, call the model, yield
// the response event, execute requested tools, repeat. One step per model
// call; the loop ends when the model stops requesting tools, a control
// tool pauses or escalates the turn, or the iteration bound is hit.
//
// Events are yielded as they are produced and the runner persists them to
// the session immediately, so every step reads the conversation back from
// session events rather than accumulating messages in memory.
type flow struct {
	agent *llmAgent
}

func newFlow(a *llmAgent) *flow {
	return &flow{agent: a}
}

func (f *flow) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		for i := 0; i < f.agent.maxIterations; i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			var last *agent.Event
			for event, err := range f.step(ctx) {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(event, nil) {
					return
				}
				last = event
			}

			if last == nil || last.IsFinalResponse() {
				return
			}
			if last.Actions.Escalate || last.Actions.RequireInput || ctx.Ended() {
				return
			}
		}

		yield(nil, fmt.Errorf("agent %q: tool loop exceeded %d iterations", f.agent.Name(), f.agent.maxIterations))
	}
}

// step performs one model call and the tool executions it requests.
func (f *flow) step(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		req, err := f.buildRequest(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		cctx := agent.NewCallbackContext(ctx)
		resp, stopped, err := f.callModel(ctx, cctx, req, yield)
		if err != nil {
			yield(nil, err)
			return
		}
		if stopped || resp == nil {
			return
		}

		// A response with neither content nor calls carries nothing to
		// persist; end the step and let the loop terminate.
		if resp.Content == nil && resp.Thinking == nil && !resp.HasToolCalls() {
			return
		}

		modelEvent := f.modelEvent(ctx, cctx, resp)
		if !yield(modelEvent, nil) {
			return
		}

		if !resp.HasToolCalls() {
			return
		}

		toolEvent := f.executeToolCalls(ctx, resp.ToolCalls)
		if !yield(toolEvent, nil) {
			return
		}

		if target := toolEvent.Actions.TransferToAgent; target != "" {
			f.transfer(ctx, target, yield)
		}
	}
}

func (f *flow) buildRequest(ctx agent.InvocationContext) (*model.Request, error) {
	instruction, err := f.agent.resolveInstruction(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", f.agent.Name(), err)
	}

	req := &model.Request{
		SystemInstruction: instruction,
		Messages:          f.agent.buildMessages(ctx),
		Config:            f.agent.generateConfig.Clone(),
	}

	if f.agent.outputSchema != nil {
		if req.Config == nil {
			req.Config = &model.GenerateConfig{}
		}
		req.Config.ResponseSchema = f.agent.outputSchema
		req.Config.ResponseMIMEType = "application/json"
		return req, nil
	}

	req.Tools = f.agent.collectDefinitions(ctx)
	return req, nil
}

// callModel runs before/after model callbacks around the generate call,
// yielding partial events while streaming. The stopped flag reports that
// the consumer quit mid-stream; no further yields are allowed then.
func (f *flow) callModel(
	ctx agent.InvocationContext,
	cctx agent.CallbackContext,
	req *model.Request,
	yield func(*agent.Event, error) bool,
) (resp *model.Response, stopped bool, err error) {
	for _, cb := range f.agent.beforeModelCallbacks {
		resp, err := cb(cctx, req)
		if err != nil {
			return nil, false, fmt.Errorf("before model callback: %w", err)
		}
		if resp != nil {
			return resp, false, nil
		}
	}

	stream := ctx.RunConfig().StreamingMode == agent.StreamingModeSSE
	start := time.Now()

	var final *model.Response
	var genErr error
	for chunk, err := range f.agent.model.GenerateContent(ctx, req, stream) {
		if err != nil {
			genErr = err
			break
		}
		if chunk == nil {
			continue
		}
		if chunk.Partial {
			if !yield(f.partialEvent(ctx, chunk), nil) {
				return nil, true, nil
			}
			continue
		}
		final = chunk
	}

	f.agent.metrics.RecordModelCall(f.agent.model.Name(), time.Since(start), genErr)
	if final != nil && final.Usage != nil {
		f.agent.metrics.RecordModelTokens(f.agent.model.Name(), final.Usage.PromptTokens, final.Usage.CompletionTokens)
	}

	for _, cb := range f.agent.afterModelCallbacks {
		replaced, cbErr := cb(cctx, final, genErr)
		if cbErr != nil {
			return nil, false, fmt.Errorf("after model callback: %w", cbErr)
		}
		if replaced != nil {
			final, genErr = replaced, nil
		}
	}

	if genErr != nil {
		return nil, false, fmt.Errorf("agent %q: model generation: %w", f.agent.Name(), genErr)
	}
	return final, false, nil
}

// modelEvent converts the final model response into a persistable event.
// The message is rebuilt canonically: text parts, then one tool_use data
// part per call, so history replay does not depend on provider quirks.
func (f *flow) modelEvent(ctx agent.InvocationContext, cctx agent.CallbackContext, resp *model.Response) *agent.Event {
	populateToolCallIDs(resp)

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.TurnComplete = resp.TurnComplete

	for k, v := range cctx.StateDelta() {
		event.Actions.StateDelta[k] = v
	}

	var parts []a2a.Part
	if resp.Content != nil {
		for _, part := range resp.Content.Parts {
			if dp, ok := part.(a2a.DataPart); ok {
				if kind, _ := dp.Data["type"].(string); kind == "tool_use" {
					continue
				}
			}
			parts = append(parts, part)
		}
	}
	for _, call := range resp.ToolCalls {
		event.ToolCalls = append(event.ToolCalls, agent.ToolCallState{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		})
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":      "tool_use",
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Args,
		}})
	}
	if len(parts) > 0 {
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	}

	if resp.Thinking != nil && resp.Thinking.Content != "" {
		if event.CustomMetadata == nil {
			event.CustomMetadata = make(map[string]any)
		}
		event.CustomMetadata[metadataThinking] = resp.Thinking.Content
		if resp.Thinking.Signature != "" {
			event.CustomMetadata[metadataThinkingSignature] = resp.Thinking.Signature
		}
	}

	if f.agent.outputKey != "" {
		if text := resp.TextContent(); text != "" {
			event.Actions.StateDelta[f.agent.outputKey] = text
		}
	}

	if resp.ErrorCode != "" {
		event.ErrorCode = resp.ErrorCode
		event.ErrorMessage = resp.ErrorMessage
	}

	return event
}

// partialEvent converts a streaming chunk into a partial event for the
// caller's UI. Partial events are never persisted.
func (f *flow) partialEvent(ctx agent.InvocationContext, resp *model.Response) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()
	event.Partial = true

	var parts []a2a.Part
	if resp.Thinking != nil && resp.Thinking.Content != "" {
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":    "thinking",
			"id":      resp.Thinking.ID,
			"content": resp.Thinking.Content,
		}})
	}
	if resp.Content != nil {
		parts = append(parts, resp.Content.Parts...)
	}
	for _, call := range resp.ToolCalls {
		event.ToolCalls = append(event.ToolCalls, agent.ToolCallState{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
		})
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":      "tool_use",
			"id":        call.ID,
			"name":      call.Name,
			"arguments": call.Args,
		}})
	}
	if len(parts) > 0 {
		event.Message = a2a.NewMessage(a2a.MessageRoleAgent, parts...)
	}

	return event
}

// executeToolCalls runs every requested tool and merges the results into
// one event. A missing or failing tool produces an error result the model
// can react to, never a flow error. Long-running tools are recorded in
// LongRunningToolIDs and not executed; the turn pauses for them.
func (f *flow) executeToolCalls(ctx agent.InvocationContext, calls []tool.ToolCall) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = f.agent.Name()
	event.Branch = ctx.Branch()

	var parts []a2a.Part
	for _, call := range calls {
		t := f.agent.findTool(ctx, call.Name)

		if t != nil && t.IsLongRunning() {
			event.LongRunningToolIDs = append(event.LongRunningToolIDs, call.ID)
			continue
		}

		var response map[string]any
		isError := false

		if t == nil {
			response = map[string]any{"error": fmt.Sprintf("tool %q not found", call.Name)}
			isError = true
		} else {
			cctx := agent.NewCallbackContext(ctx)
			tctx := tool.NewContext(cctx, call.ID, &event.Actions)
			result, err := f.callTool(tctx, t, call.Args)
			for k, v := range cctx.StateDelta() {
				event.Actions.StateDelta[k] = v
			}
			if err != nil {
				response = map[string]any{"error": err.Error()}
				isError = true
			} else {
				response = result
			}
		}

		event.ToolResults = append(event.ToolResults, agent.ToolResultState{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		})
		parts = append(parts, a2a.DataPart{Data: map[string]any{
			"type":         "tool_result",
			"tool_call_id": call.ID,
			"tool_name":    call.Name,
			"result":       response,
			"is_error":     isError,
		}})
	}

	if len(parts) > 0 {
		event.Message = a2a.NewMessage(a2a.MessageRoleUser, parts...)
	}
	return event
}

// callTool executes one tool with its callbacks.
func (f *flow) callTool(tctx tool.Context, t tool.Tool, args map[string]any) (map[string]any, error) {
	for _, cb := range f.agent.beforeToolCallbacks {
		result, err := cb(tctx, t, args)
		if err != nil {
			return nil, fmt.Errorf("before tool callback: %w", err)
		}
		if result != nil {
			return result, nil
		}
	}

	callable, ok := t.(tool.CallableTool)
	if !ok {
		return nil, fmt.Errorf("tool %q is not callable", t.Name())
	}

	start := time.Now()
	result, err := callable.Call(tctx, args)
	f.agent.metrics.RecordToolCall(t.Name(), time.Since(start), err)

	for _, cb := range f.agent.afterToolCallbacks {
		replaced, cbErr := cb(tctx, t, args, result, err)
		if cbErr != nil {
			return nil, fmt.Errorf("after tool callback: %w", cbErr)
		}
		if replaced != nil {
			result, err = replaced, nil
		}
	}

	return result, err
}

// transfer hands the turn to a sub-agent and forwards its events.
func (f *flow) transfer(ctx agent.InvocationContext, name string, yield func(*agent.Event, error) bool) {
	var target agent.Agent
	for _, sub := range f.agent.SubAgents() {
		if sub.Name() == name {
			target = sub
			break
		}
	}
	if target == nil {
		yield(nil, fmt.Errorf("agent %q: transfer target %q is not a sub-agent", f.agent.Name(), name))
		return
	}

	subCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
		Agent:       target,
		Session:     ctx.Session(),
		UserContent: ctx.UserContent(),
		RunConfig:   ctx.RunConfig(),
		Branch:      agent.JoinBranch(ctx.Branch(), target.Name()),
	})

	for event, err := range target.Run(subCtx) {
		if !yield(event, err) || err != nil {
			return
		}
	}
}

// populateToolCallIDs assigns IDs to calls that arrived without one, so
// results can always be paired with their call in history.
func populateToolCallIDs(resp *model.Response) {
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = clientCallIDPrefix + uuid.NewString()
		}
	}
}
