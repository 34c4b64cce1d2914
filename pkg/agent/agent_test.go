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
	"iter"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textEvent(ctx InvocationContext, author, text string) *Event {
	event := NewEvent(ctx.InvocationID())
	event.Author = author
	event.Branch = ctx.Branch()
	event.Message = NewTextContent(a2a.MessageRoleAgent, text).ToMessage()
	return event
}

func collect(t *testing.T, agent Agent, ctx InvocationContext) []*Event {
	t.Helper()
	var events []*Event
	for event, err := range agent.Run(ctx) {
		require.NoError(t, err)
		events = append(events, event)
	}
	return events
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid_name", cfg: Config{Name: "helper"}},
		{name: "valid_with_digits_and_dash", cfg: Config{Name: "helper-2"}},
		{name: "missing_name", cfg: Config{}, wantErr: true},
		{name: "dot_in_name", cfg: Config{Name: "a.b"}, wantErr: true},
		{name: "leading_digit", cfg: Config{Name: "2helper"}, wantErr: true},
		{name: "space_in_name", cfg: Config{Name: "my agent"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBaseAgent_RunYieldsBodyEvents(t *testing.T) {
	a, err := New(Config{
		Name: "echo",
		Run: func(ctx InvocationContext) iter.Seq2[*Event, error] {
			return func(yield func(*Event, error) bool) {
				yield(textEvent(ctx, "echo", "one"), nil)
				yield(textEvent(ctx, "echo", "two"), nil)
			}
		},
	})
	require.NoError(t, err)

	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: a})
	events := collect(t, a, ctx)

	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].TextContent())
	assert.Equal(t, "two", events[1].TextContent())
	assert.Equal(t, ctx.InvocationID(), events[0].InvocationID)
}

func TestBaseAgent_BeforeCallbackShortCircuits(t *testing.T) {
	bodyRan := false
	a, err := New(Config{
		Name: "guarded",
		Run: func(ctx InvocationContext) iter.Seq2[*Event, error] {
			return func(yield func(*Event, error) bool) {
				bodyRan = true
				yield(textEvent(ctx, "guarded", "body"), nil)
			}
		},
		BeforeAgentCallbacks: []BeforeAgentCallback{
			func(ctx CallbackContext) (*Content, error) {
				return NewTextContent(a2a.MessageRoleAgent, "blocked"), nil
			},
		},
	})
	require.NoError(t, err)

	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: a})
	events := collect(t, a, ctx)

	require.Len(t, events, 1)
	assert.Equal(t, "blocked", events[0].TextContent())
	assert.Equal(t, "guarded", events[0].Author)
	assert.False(t, bodyRan)
}

func TestBaseAgent_AfterCallbackAppends(t *testing.T) {
	a, err := New(Config{
		Name: "annotated",
		Run: func(ctx InvocationContext) iter.Seq2[*Event, error] {
			return func(yield func(*Event, error) bool) {
				yield(textEvent(ctx, "annotated", "body"), nil)
			}
		},
		AfterAgentCallbacks: []AfterAgentCallback{
			func(ctx CallbackContext) (*Content, error) {
				return NewTextContent(a2a.MessageRoleAgent, "appendix"), nil
			},
		},
	})
	require.NoError(t, err)

	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: a})
	events := collect(t, a, ctx)

	require.Len(t, events, 2)
	assert.Equal(t, "body", events[0].TextContent())
	assert.Equal(t, "appendix", events[1].TextContent())
}

func TestBaseAgent_CallbackStateDelta(t *testing.T) {
	a, err := New(Config{
		Name: "stateful",
		BeforeAgentCallbacks: []BeforeAgentCallback{
			func(ctx CallbackContext) (*Content, error) {
				ctx.SetState("counter", 1)
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: a})
	events := collect(t, a, ctx)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Actions.StateDelta["counter"])
	assert.Nil(t, events[0].Message)
}

func TestBaseAgent_EndInvocationStopsBody(t *testing.T) {
	a, err := New(Config{
		Name: "stopper",
		Run: func(ctx InvocationContext) iter.Seq2[*Event, error] {
			return func(yield func(*Event, error) bool) {
				ctx.EndInvocation()
				if !yield(textEvent(ctx, "stopper", "first"), nil) {
					return
				}
				yield(textEvent(ctx, "stopper", "second"), nil)
			}
		},
	})
	require.NoError(t, err)

	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: a})
	events := collect(t, a, ctx)

	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].TextContent())
}
