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
	"fmt"
	"iter"
	"regexp"
)

// Agent is a named unit of work producing a stream of events.
type Agent interface {
	// Name returns the unique name of the agent within its tree.
	Name() string

	// Description describes what the agent does. Coordinator agents use
	// descriptions to decide transfer targets.
	Description() string

	// Run executes the agent and yields events as they are produced.
	// Iteration stops when the caller stops consuming or the sequence ends.
	Run(ctx InvocationContext) iter.Seq2[*Event, error]

	// SubAgents returns the direct children of this agent, if any.
	SubAgents() []Agent
}

// BeforeAgentCallback runs before the agent body. Returning non-nil content
// short-circuits the run: the content is emitted as the agent's response and
// the body is skipped.
type BeforeAgentCallback func(ctx CallbackContext) (*Content, error)

// AfterAgentCallback runs after the agent body. Returning non-nil content
// appends one more event to the agent's output.
type AfterAgentCallback func(ctx CallbackContext) (*Content, error)

// Config configures a custom agent built with New.
type Config struct {
	// Name is required and must be a valid agent name (letters, digits,
	// underscore, hyphen; must start with a letter). Dots are reserved as
	// the branch delimiter.
	Name string

	// Description describes the agent.
	Description string

	// SubAgents are the direct children of this agent.
	SubAgents []Agent

	// Run is the agent body. Optional; an agent without a body emits only
	// callback output.
	Run func(ctx InvocationContext) iter.Seq2[*Event, error]

	// BeforeAgentCallbacks run in order before the body.
	BeforeAgentCallbacks []BeforeAgentCallback

	// AfterAgentCallbacks run in order after the body.
	AfterAgentCallbacks []AfterAgentCallback
}

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// New builds an agent from cfg.
func New(cfg Config) (Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if !nameRe.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid agent name %q: must match %s", cfg.Name, nameRe)
	}
	return &baseAgent{cfg: cfg}, nil
}

type baseAgent struct {
	cfg Config
}

func (a *baseAgent) Name() string        { return a.cfg.Name }
func (a *baseAgent) Description() string { return a.cfg.Description }
func (a *baseAgent) SubAgents() []Agent  { return a.cfg.SubAgents }

func (a *baseAgent) Run(ctx InvocationContext) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		cctx := NewCallbackContext(ctx)

		for _, cb := range a.cfg.BeforeAgentCallbacks {
			content, err := cb(cctx)
			if err != nil {
				yield(nil, fmt.Errorf("before agent callback: %w", err))
				return
			}
			if content != nil {
				// Short-circuit: the callback response replaces the body.
				yield(a.contentEvent(ctx, cctx, content), nil)
				return
			}
		}
		if ev := a.deltaEvent(ctx, cctx); ev != nil {
			if !yield(ev, nil) {
				return
			}
		}

		if a.cfg.Run != nil {
			for event, err := range a.cfg.Run(ctx) {
				if !yield(event, err) {
					return
				}
				if err != nil {
					return
				}
				if ctx.Ended() {
					break
				}
			}
		}

		actx := NewCallbackContext(ctx)
		for _, cb := range a.cfg.AfterAgentCallbacks {
			content, err := cb(actx)
			if err != nil {
				yield(nil, fmt.Errorf("after agent callback: %w", err))
				return
			}
			if content != nil {
				if !yield(a.contentEvent(ctx, actx, content), nil) {
					return
				}
				actx = NewCallbackContext(ctx)
			}
		}
		if ev := a.deltaEvent(ctx, actx); ev != nil {
			yield(ev, nil)
		}
	}
}

// contentEvent wraps callback content in an event, carrying any state
// writes the callback made.
func (a *baseAgent) contentEvent(ctx InvocationContext, cctx CallbackContext, content *Content) *Event {
	event := NewEvent(ctx.InvocationID())
	event.Author = a.cfg.Name
	event.Branch = ctx.Branch()
	event.Message = content.ToMessage()
	if delta := cctx.StateDelta(); len(delta) > 0 {
		event.Actions.StateDelta = delta
	}
	return event
}

// deltaEvent returns a state-only event when callbacks wrote state without
// producing content, so the delta still reaches the session service.
func (a *baseAgent) deltaEvent(ctx InvocationContext, cctx CallbackContext) *Event {
	delta := cctx.StateDelta()
	if len(delta) == 0 {
		return nil
	}
	event := NewEvent(ctx.InvocationID())
	event.Author = a.cfg.Name
	event.Branch = ctx.Branch()
	event.Actions.StateDelta = delta
	return event
}

var _ Agent = (*baseAgent)(nil)
