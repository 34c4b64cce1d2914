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
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// buildMessages assembles the conversation for the model from session
// events. Events are filtered by branch so sibling agents stay isolated,
// partial streaming events are skipped, signed thinking is reconstructed,
// other agents' output is narrated as user context, and the result is
// trimmed to the token budget.
//
// The runner appends the user message to the session before the agent
// runs, so the current turn is already in the event history and is never
// added twice.
func (a *llmAgent) buildMessages(ctx agent.InvocationContext) []*a2a.Message {
	session := ctx.Session()
	if session == nil {
		if uc := ctx.UserContent(); uc != nil {
			return []*a2a.Message{uc.ToMessage()}
		}
		return nil
	}

	if a.includeContents == IncludeContentsNone {
		return currentTurnMessages(session)
	}

	branch := ctx.Branch()
	var messages []*a2a.Message
	for event := range session.Events().All() {
		if event == nil || event.Message == nil || event.Partial {
			continue
		}
		if !agent.BranchMatches(event.Branch, branch) {
			continue
		}

		msg := messageWithThinking(event)
		if foreign := foreignContextMessage(event, a.Name()); foreign != nil {
			msg = foreign
		}
		messages = append(messages, msg)
	}

	if a.estimator != nil && a.maxHistoryTokens > 0 {
		trimmed := a.estimator.TrimToBudget(messages, a.maxHistoryTokens)
		messages = dropOrphanedToolResults(trimmed)
	}

	return messages
}

// currentTurnMessages returns only the events from the latest user
// message onward.
func currentTurnMessages(session agent.Session) []*a2a.Message {
	var events []*agent.Event
	for event := range session.Events().All() {
		if event != nil && event.Message != nil && !event.Partial {
			events = append(events, event)
		}
	}

	start := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Author == agent.AuthorUser {
			start = i
			break
		}
	}

	var messages []*a2a.Message
	for _, event := range events[start:] {
		messages = append(messages, event.Message)
	}
	return messages
}

// messageWithThinking rebuilds the thinking part from event metadata so
// the provider can replay it. Only signed thinking is worth replaying;
// unsigned text is dropped by the provider anyway.
func messageWithThinking(event *agent.Event) *a2a.Message {
	if event.CustomMetadata == nil || event.Message.Role != a2a.MessageRoleAgent {
		return event.Message
	}
	content, _ := event.CustomMetadata[metadataThinking].(string)
	signature, _ := event.CustomMetadata[metadataThinkingSignature].(string)
	if content == "" || signature == "" {
		return event.Message
	}

	parts := []a2a.Part{a2a.DataPart{Data: map[string]any{
		"type":      "thinking",
		"content":   content,
		"signature": signature,
	}}}
	parts = append(parts, event.Message.Parts...)
	return a2a.NewMessage(a2a.MessageRoleAgent, parts...)
}

// foreignContextMessage narrates another agent's event as user-role
// context. Returns nil when the event is the agent's own or the user's.
// Narration keeps foreign tool activity out of the function-calling
// protocol; the model sees what happened without pairing obligations.
func foreignContextMessage(event *agent.Event, self string) *a2a.Message {
	author := event.Author
	if author == self || author == agent.AuthorUser || author == agent.AuthorSystem || author == "" {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("For context:")
	for _, part := range event.Message.Parts {
		switch p := part.(type) {
		case a2a.TextPart:
			if p.Text != "" {
				fmt.Fprintf(&sb, "\n[%s] said: %s", author, p.Text)
			}
		case a2a.DataPart:
			switch p.Data["type"] {
			case "tool_use":
				name, _ := p.Data["name"].(string)
				fmt.Fprintf(&sb, "\n[%s] called tool %q with arguments %v", author, name, p.Data["arguments"])
			case "tool_result":
				name, _ := p.Data["tool_name"].(string)
				result := p.Data["result"]
				if result == nil {
					result = p.Data["content"]
				}
				fmt.Fprintf(&sb, "\n[%s] tool %q returned: %v", author, name, result)
			}
		}
	}

	return a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: sb.String()})
}

// dropOrphanedToolResults removes tool results whose originating call was
// trimmed away, so the suffix sent to the model never opens with an
// unpaired function response.
func dropOrphanedToolResults(messages []*a2a.Message) []*a2a.Message {
	seenCalls := make(map[string]bool)
	var out []*a2a.Message

	for _, msg := range messages {
		var kept []a2a.Part
		dropped := false
		for _, part := range msg.Parts {
			dp, ok := part.(a2a.DataPart)
			if !ok {
				kept = append(kept, part)
				continue
			}
			switch dp.Data["type"] {
			case "tool_use":
				if id, ok := dp.Data["id"].(string); ok {
					seenCalls[id] = true
				}
			case "tool_result":
				id, _ := dp.Data["tool_call_id"].(string)
				if !seenCalls[id] {
					dropped = true
					continue
				}
			}
			kept = append(kept, part)
		}

		switch {
		case !dropped:
			out = append(out, msg)
		case len(kept) > 0:
			out = append(out, a2a.NewMessage(msg.Role, kept...))
		}
	}

	return out
}
