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

// Package runner drives agent execution within sessions.
//
// The Runner owns the invocation lifecycle: it resolves the session,
// appends the user message, selects the agent to run from session history,
// streams the agent's events, and persists every non-partial event before
// handing it to the caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/session"
)

// Config configures a Runner.
type Config struct {
	// AppName identifies the application owning the sessions.
	AppName string

	// Agent is the root of the agent tree.
	Agent agent.Agent

	// SessionService stores sessions and their event history. It is the
	// source of truth for conversation state.
	SessionService session.Service

	// Metrics receives per-invocation metrics. Optional.
	Metrics observability.Recorder
}

// RunRequest identifies one turn of a conversation.
type RunRequest struct {
	// UserID scopes the session to a user.
	UserID string

	// SessionID selects the conversation. A session is created under this
	// ID when none exists.
	SessionID string

	// Content is the user message for this turn. May be nil when the turn
	// resumes a previous interaction without new input.
	Content *agent.Content

	// RunConfig is plumbed through to every agent in the invocation.
	RunConfig agent.RunConfig
}

// Runner executes an agent tree against a session service.
type Runner struct {
	appName        string
	rootAgent      agent.Agent
	sessionService session.Service
	metrics        observability.Recorder
	parents        ParentMap
}

// New builds a Runner, validating the agent tree.
func New(cfg Config) (*Runner, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("root agent is required")
	}
	if cfg.SessionService == nil {
		return nil, fmt.Errorf("session service is required")
	}

	parents, err := BuildParentMap(cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent tree: %w", err)
	}

	return &Runner{
		appName:        cfg.AppName,
		rootAgent:      cfg.Agent,
		sessionService: cfg.SessionService,
		metrics:        observability.ForRecorder(cfg.Metrics),
		parents:        parents,
	}, nil
}

// Run executes one turn. It ensures the session exists, appends the user
// message, resolves the agent to continue the conversation, and yields the
// agent's events. Non-partial events are persisted before they are yielded,
// so a consumer that stops early never observes an event the session has
// not recorded.
func (r *Runner) Run(ctx context.Context, req RunRequest) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		sess, err := r.getOrCreateSession(ctx, req.UserID, req.SessionID)
		if err != nil {
			yield(nil, err)
			return
		}

		agentToRun := r.findAgentToRun(sess)

		// Temp state lives for exactly one invocation.
		defer r.clearTempState(sess)

		invCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
			Agent:       agentToRun,
			Session:     sess,
			UserContent: req.Content,
			RunConfig:   req.RunConfig,
		})

		if err := r.appendUserMessage(ctx, sess, req.Content, invCtx.InvocationID()); err != nil {
			yield(nil, err)
			return
		}

		start := time.Now()
		var runErr error
		defer func() {
			r.metrics.RecordAgentRun(agentToRun.Name(), time.Since(start), runErr)
		}()

		for event, err := range agentToRun.Run(invCtx) {
			if err != nil {
				runErr = err
				if !yield(event, err) {
					return
				}
				continue
			}

			if !event.Partial {
				if err := r.sessionService.AppendEvent(ctx, sess, event); err != nil {
					runErr = err
					yield(nil, fmt.Errorf("failed to persist event: %w", err))
					return
				}
			}

			if !yield(event, nil) {
				return
			}
		}
	}
}

func (r *Runner) getOrCreateSession(ctx context.Context, userID, sessionID string) (session.Session, error) {
	resp, err := r.sessionService.Get(ctx, &session.GetRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err == nil {
		return resp.Session, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	createResp, err := r.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   r.appName,
		UserID:    userID,
		SessionID: sessionID,
		State:     make(map[string]any),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return createResp.Session, nil
}

func (r *Runner) appendUserMessage(ctx context.Context, sess session.Session, content *agent.Content, invocationID string) error {
	if content == nil {
		return nil
	}

	event := agent.NewEvent(invocationID)
	event.Author = "user"
	event.Message = content.ToMessage()

	return r.sessionService.AppendEvent(ctx, sess, event)
}

// findAgentToRun selects the agent that should handle this turn. The most
// recent agent to speak continues the conversation, so a transfer made in
// an earlier turn sticks across turns. Agents no longer in the tree, and
// agents whose ancestry blocks upward transfer, are passed over.
func (r *Runner) findAgentToRun(sess session.Session) agent.Agent {
	events := sess.Events()
	for i := events.Len() - 1; i >= 0; i-- {
		event := events.At(i)
		if event == nil || event.Author == "user" {
			continue
		}

		subAgent := agent.FindAgent(r.rootAgent, event.Author)
		if subAgent == nil {
			slog.Debug("event from unknown agent",
				"agent", event.Author,
				"event_id", event.ID)
			continue
		}

		if r.isTransferableAcrossTree(subAgent) {
			return subAgent
		}
	}

	return r.rootAgent
}

// clearTempState drops temp-scoped keys once the invocation ends.
func (r *Runner) clearTempState(sess session.Session) {
	if clearable, ok := sess.State().(agent.TempClearable); ok {
		clearable.ClearTempKeys()
	}
}

// TransferRestrictable is implemented by agents that restrict where the
// conversation may move next.
type TransferRestrictable interface {
	DisallowTransferToParent() bool
	DisallowTransferToPeers() bool
}

func (r *Runner) isTransferableAcrossTree(ag agent.Agent) bool {
	for current := ag; current != nil; current = r.parents[current.Name()] {
		if restrictable, ok := current.(TransferRestrictable); ok {
			if restrictable.DisallowTransferToParent() {
				slog.Debug("transfer blocked",
					"agent", current.Name())
				return false
			}
		}
	}
	return true
}

// FindAgent returns the named agent from the runner's tree, or nil.
func (r *Runner) FindAgent(name string) agent.Agent {
	return agent.FindAgent(r.rootAgent, name)
}

// ListAgents returns every agent in the runner's tree.
func (r *Runner) ListAgents() []agent.Agent {
	return agent.ListAgents(r.rootAgent)
}

// RootAgent returns the root agent.
func (r *Runner) RootAgent() agent.Agent {
	return r.rootAgent
}

// AppName returns the application name.
func (r *Runner) AppName() string {
	return r.appName
}

// ParentMap maps each agent name to its parent agent. The root maps to nil.
type ParentMap map[string]agent.Agent

// BuildParentMap walks the tree and records each agent's parent. Duplicate
// agent names are rejected: event attribution and transfer targeting both
// key on the name.
func BuildParentMap(root agent.Agent) (ParentMap, error) {
	parents := make(ParentMap)
	if err := buildParentMap(root, nil, parents); err != nil {
		return nil, err
	}
	return parents, nil
}

func buildParentMap(ag agent.Agent, parent agent.Agent, parents ParentMap) error {
	if ag == nil {
		return nil
	}
	if _, exists := parents[ag.Name()]; exists {
		return fmt.Errorf("duplicate agent name in tree: %s", ag.Name())
	}
	parents[ag.Name()] = parent

	for _, sub := range ag.SubAgents() {
		if err := buildParentMap(sub, ag, parents); err != nil {
			return err
		}
	}
	return nil
}
