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
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StreamingMode controls how model output is delivered.
type StreamingMode string

const (
	// StreamingModeNone delivers complete responses only.
	StreamingModeNone StreamingMode = "none"
	// StreamingModeSSE delivers partial events as chunks arrive.
	StreamingModeSSE StreamingMode = "sse"
)

// RunConfig carries per-invocation execution options.
type RunConfig struct {
	StreamingMode StreamingMode
}

// ErrStateKeyNotExist is returned by State.Get for missing keys.
var ErrStateKeyNotExist = errors.New("state key does not exist")

// StateReader is read-only access to session state.
type StateReader interface {
	// Get returns the value for key, or ErrStateKeyNotExist.
	Get(key string) (any, error)
	// All iterates over every key/value pair.
	All() iter.Seq2[string, any]
}

// State is mutable session state.
type State interface {
	StateReader
	Set(key string, value any) error
	Delete(key string) error
}

// TempClearable is implemented by state that tracks temp-scoped keys.
type TempClearable interface {
	ClearTempKeys()
}

// Events is a read-only view over a session's event history.
type Events interface {
	All() iter.Seq[*Event]
	Len() int
	At(i int) *Event
}

// Session is the per-conversation container agents read from.
type Session interface {
	ID() string
	AppName() string
	UserID() string
	State() State
	Events() Events
}

// ReadonlyContext is the context surface visible to instruction providers
// and other read-only consumers.
type ReadonlyContext interface {
	context.Context

	// InvocationID identifies the runner invocation this context belongs to.
	InvocationID() string
	// AgentName is the name of the agent bound to this context.
	AgentName() string
	// Branch is the dot-delimited tree position of the bound agent.
	Branch() string
	// UserContent is the content that started the invocation, if any.
	UserContent() *Content
	AppName() string
	UserID() string
	SessionID() string
	// State is a read-only view of session state.
	State() StateReader
}

// CallbackContext is handed to lifecycle callbacks. State writes are
// collected as a delta and attached to the resulting event rather than
// applied directly.
type CallbackContext interface {
	ReadonlyContext

	// SetState stages a state write.
	SetState(key string, value any)
	// StateDelta returns a copy of the staged writes.
	StateDelta() map[string]any
}

// InvocationContext is the full context an agent runs with.
type InvocationContext interface {
	ReadonlyContext

	// Agent is the agent bound to this context.
	Agent() Agent
	// Session is the conversation this invocation runs in. May be nil for
	// sessionless runs.
	Session() Session
	RunConfig() RunConfig

	// EndInvocation stops the invocation after the current event. The flag
	// is shared across contexts derived for sub-agents.
	EndInvocation()
	Ended() bool
}

// InvocationContextParams configure NewInvocationContext.
type InvocationContextParams struct {
	Agent       Agent
	Session     Session
	Branch      string
	UserContent *Content
	RunConfig   RunConfig
}

// invocationState is the identity shared by every context derived for one
// invocation. It travels as a context value so it survives wrapping by
// errgroup and other context-deriving code.
type invocationState struct {
	id    string
	ended atomic.Bool
}

type invocationStateKey struct{}

// NewInvocationContext builds an invocation context. When ctx descends from
// another invocation context, the invocation ID and the end-invocation flag
// are inherited, so contexts derived for sub-agents stay part of the same
// invocation even across context wrappers.
func NewInvocationContext(ctx context.Context, params InvocationContextParams) InvocationContext {
	ic := &invocationContext{
		Context:     ctx,
		agent:       params.Agent,
		session:     params.Session,
		branch:      params.Branch,
		userContent: params.UserContent,
		runConfig:   params.RunConfig,
	}
	if state, ok := ctx.Value(invocationStateKey{}).(*invocationState); ok {
		ic.state = state
	} else {
		ic.state = &invocationState{id: uuid.NewString()}
	}
	return ic
}

type invocationContext struct {
	context.Context

	state       *invocationState
	agent       Agent
	session     Session
	branch      string
	userContent *Content
	runConfig   RunConfig
}

func (c *invocationContext) Value(key any) any {
	if _, ok := key.(invocationStateKey); ok {
		return c.state
	}
	return c.Context.Value(key)
}

func (c *invocationContext) InvocationID() string { return c.state.id }

func (c *invocationContext) AgentName() string {
	if c.agent == nil {
		return ""
	}
	return c.agent.Name()
}

func (c *invocationContext) Branch() string        { return c.branch }
func (c *invocationContext) UserContent() *Content { return c.userContent }

func (c *invocationContext) AppName() string {
	if c.session == nil {
		return ""
	}
	return c.session.AppName()
}

func (c *invocationContext) UserID() string {
	if c.session == nil {
		return ""
	}
	return c.session.UserID()
}

func (c *invocationContext) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

func (c *invocationContext) State() StateReader {
	if c.session == nil {
		return emptyState{}
	}
	return c.session.State()
}

func (c *invocationContext) Agent() Agent         { return c.agent }
func (c *invocationContext) Session() Session     { return c.session }
func (c *invocationContext) RunConfig() RunConfig { return c.runConfig }
func (c *invocationContext) EndInvocation()       { c.state.ended.Store(true) }
func (c *invocationContext) Ended() bool          { return c.state.ended.Load() }

type emptyState struct{}

func (emptyState) Get(string) (any, error) { return nil, ErrStateKeyNotExist }
func (emptyState) All() iter.Seq2[string, any] {
	return func(func(string, any) bool) {}
}

// NewCallbackContext wraps a read-only context with delta-tracked state for
// callback and tool execution.
func NewCallbackContext(ctx ReadonlyContext) CallbackContext {
	return &callbackContext{
		ReadonlyContext: ctx,
		delta:           map[string]any{},
	}
}

type callbackContext struct {
	ReadonlyContext

	mu    sync.Mutex
	delta map[string]any
}

func (c *callbackContext) SetState(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delta[key] = value
}

func (c *callbackContext) StateDelta() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.delta))
	for k, v := range c.delta {
		out[k] = v
	}
	return out
}

// State overlays staged writes on the underlying session state so callbacks
// observe their own writes.
func (c *callbackContext) State() StateReader {
	return overlayState{base: c.ReadonlyContext.State(), cctx: c}
}

type overlayState struct {
	base StateReader
	cctx *callbackContext
}

func (s overlayState) Get(key string) (any, error) {
	s.cctx.mu.Lock()
	v, ok := s.cctx.delta[key]
	s.cctx.mu.Unlock()
	if ok {
		return v, nil
	}
	return s.base.Get(key)
}

func (s overlayState) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		seen := map[string]bool{}
		s.cctx.mu.Lock()
		staged := make(map[string]any, len(s.cctx.delta))
		for k, v := range s.cctx.delta {
			staged[k] = v
		}
		s.cctx.mu.Unlock()
		for k, v := range staged {
			seen[k] = true
			if !yield(k, v) {
				return
			}
		}
		for k, v := range s.base.All() {
			if seen[k] {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

var (
	_ InvocationContext = (*invocationContext)(nil)
	_ CallbackContext   = (*callbackContext)(nil)
	_ StateReader       = emptyState{}
	_ StateReader       = overlayState{}
)
