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

package agent

import (
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// Well-known event authors. Agent events use the agent name as author.
const (
	AuthorUser   = "user"
	AuthorSystem = "system"
)

// BranchDelimiter separates agent names in an event branch. A branch like
// "pipeline.draft" identifies the draft agent running under the pipeline
// agent. Agent names therefore must not contain dots.
const BranchDelimiter = "."

// JoinBranch extends a branch with a child agent name.
func JoinBranch(branch, child string) string {
	if branch == "" {
		return child
	}
	return branch + BranchDelimiter + child
}

// BranchMatches reports whether an event produced on eventBranch is visible
// to an agent running on branch. Events are visible to their own branch and
// to every ancestor branch; sibling branches are isolated from each other.
func BranchMatches(eventBranch, branch string) bool {
	if branch == "" || eventBranch == "" {
		return true
	}
	if eventBranch == branch {
		return true
	}
	return strings.HasPrefix(eventBranch, branch+BranchDelimiter) ||
		strings.HasPrefix(branch, eventBranch+BranchDelimiter)
}

// ToolCallState records one tool invocation requested by a model.
type ToolCallState struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResultState records the outcome of one tool invocation.
type ToolResultState struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

// EventActions are side effects attached to an event. The runner applies
// StateDelta to the session; composition agents react to Escalate and
// TransferToAgent; the server surfaces RequireInput as an A2A
// input-required status.
type EventActions struct {
	// StateDelta holds session state writes to apply when the event is
	// persisted.
	StateDelta map[string]any `json:"state_delta,omitempty"`

	// ArtifactDelta records artifacts this event updated, keyed by
	// artifact ID with the version delivered.
	ArtifactDelta map[string]int `json:"artifact_delta,omitempty"`

	// SkipSummarization marks a tool-response event whose output is the
	// final answer; the model is not called again to summarize it. Tools
	// and after-tool callbacks set it through their context.
	SkipSummarization bool `json:"skip_summarization,omitempty"`

	// TransferToAgent routes the next turn to the named agent.
	TransferToAgent string `json:"transfer_to_agent,omitempty"`

	// Escalate signals the enclosing loop to stop iterating.
	Escalate bool `json:"escalate,omitempty"`

	// RequireInput pauses the task until the user responds.
	RequireInput bool `json:"require_input,omitempty"`

	// InputPrompt describes what input is expected when RequireInput is set.
	InputPrompt string `json:"input_prompt,omitempty"`
}

// Event is one unit of agent output. Events are immutable once yielded.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// InvocationID ties the event to one runner invocation.
	InvocationID string `json:"invocation_id"`

	// Branch is the dot-delimited position of the producing agent in the
	// agent tree. Empty for the root.
	Branch string `json:"branch,omitempty"`

	// Author is the agent name, AuthorUser, or AuthorSystem.
	Author string `json:"author"`

	// Message is the A2A payload of the event, if any.
	Message *a2a.Message `json:"message,omitempty"`

	// Actions are side effects carried by the event.
	Actions EventActions `json:"actions"`

	// LongRunningToolIDs lists tool calls that will complete out of band.
	LongRunningToolIDs []string `json:"long_running_tool_ids,omitempty"`

	// Partial marks a streaming chunk. Partial events are not persisted.
	Partial bool `json:"partial,omitempty"`

	// TurnComplete marks the end of the agent's turn in streaming mode.
	TurnComplete bool `json:"turn_complete,omitempty"`

	// ToolCalls are tool invocations requested in this event.
	ToolCalls []ToolCallState `json:"tool_calls,omitempty"`

	// ToolResults are tool outcomes reported in this event.
	ToolResults []ToolResultState `json:"tool_results,omitempty"`

	// ErrorCode and ErrorMessage describe a failure surfaced as an event.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// CustomMetadata carries implementation-specific annotations.
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"`
}

// NewEvent creates an event for the given invocation with a fresh ID.
func NewEvent(invocationID string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Actions:      EventActions{StateDelta: map[string]any{}},
	}
}

// IsFinalResponse reports whether the event is the agent's final response
// for the turn, as opposed to an intermediate step the caller should keep
// consuming past.
func (e *Event) IsFinalResponse() bool {
	if e.Actions.SkipSummarization || len(e.LongRunningToolIDs) > 0 {
		// The turn ends here: either the tool output stands as the
		// answer, or the turn pauses for a long-running tool.
		return true
	}
	if e.Partial {
		return false
	}
	if len(e.ToolCalls) > 0 || len(e.ToolResults) > 0 {
		return false
	}
	return true
}

// TextContent concatenates the text parts of the event message.
func (e *Event) TextContent() string {
	if e.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range e.Message.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// Content is message content before it is bound to an event.
type Content struct {
	Parts []a2a.Part
	Role  a2a.MessageRole
}

// NewTextContent creates content holding a single text part.
func NewTextContent(role a2a.MessageRole, text string) *Content {
	return &Content{
		Parts: []a2a.Part{a2a.TextPart{Text: text}},
		Role:  role,
	}
}

// AddText appends a text part.
func (c *Content) AddText(text string) {
	c.Parts = append(c.Parts, a2a.TextPart{Text: text})
}

// AddPart appends a part.
func (c *Content) AddPart(part a2a.Part) {
	c.Parts = append(c.Parts, part)
}

// Text concatenates the text parts of the content.
func (c *Content) Text() string {
	var sb strings.Builder
	for _, part := range c.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToMessage converts the content to an A2A message.
func (c *Content) ToMessage() *a2a.Message {
	if c == nil {
		return nil
	}
	role := c.Role
	if role == "" {
		role = a2a.MessageRoleAgent
	}
	return a2a.NewMessage(role, c.Parts...)
}
