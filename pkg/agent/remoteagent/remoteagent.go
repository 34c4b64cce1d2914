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

// Package remoteagent wraps an agent served over the A2A protocol as a
// local Agent.
//
// A remote agent resolves the peer's agent card, sends the invocation's
// user content as an A2A message through a shared connection pool lease,
// and converts the streamed task, status and artifact events into local
// events. Remote input-required states surface as RequireInput so the
// runner can pause the turn; the remote task is resumed on the next
// invocation through task and context IDs kept in session state.
//
//	remote, err := remoteagent.New(remoteagent.Config{
//	    Name:     "translator",
//	    Endpoint: "http://translator.internal:8080",
//	    Pool:     connections,
//	})
//
// Remote agents compose like any other: as workflow stages, as transfer
// targets, or behind a coordinator.
package remoteagent

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/httpclient"
	"github.com/ensembleworks/ensemble/pkg/pool"
)

// Config configures a remote A2A agent.
type Config struct {
	// Name is the local name for this agent. Required.
	Name string

	// Description of what the remote agent does.
	Description string

	// Endpoint is the base URL of the remote A2A server, for example
	// "http://translator.internal:8080". Required unless Card or
	// CardSource is set.
	Endpoint string

	// Card provides the agent card directly and skips resolution.
	Card *a2a.AgentCard

	// CardSource is a URL or file path the agent card is resolved from.
	// Defaults to Endpoint plus the well-known card path. Resolution is
	// deferred to the first run and retried on failure.
	CardSource string

	// Pool supplies the shared A2A client for the endpoint. Required.
	Pool *pool.Pool

	// HTTPClient fetches the agent card. Default: a retrying client.
	HTTPClient *httpclient.Client

	// SendConfig is attached to every message sent to the remote agent.
	SendConfig *a2a.MessageSendConfig
}

// New creates an Agent backed by a remote A2A server.
func New(cfg Config) (agent.Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("agent %q: connection pool is required", cfg.Name)
	}
	if cfg.Endpoint == "" && cfg.Card == nil && cfg.CardSource == "" {
		return nil, fmt.Errorf("agent %q: one of Endpoint, Card or CardSource is required", cfg.Name)
	}

	cardSource := cfg.CardSource
	if cardSource == "" && cfg.Card == nil {
		cardSource = strings.TrimSuffix(cfg.Endpoint, "/") + pool.AgentCardPath
	}

	a := &remoteAgent{
		name:       cfg.Name,
		endpoint:   cfg.Endpoint,
		cardSource: cardSource,
		card:       cfg.Card,
		pool:       cfg.Pool,
		http:       cfg.HTTPClient,
		sendConfig: cfg.SendConfig,
	}
	if a.http == nil {
		a.http = httpclient.New()
	}

	base, err := agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		Run:         a.run,
	})
	if err != nil {
		return nil, err
	}
	a.Agent = base
	return a, nil
}

type remoteAgent struct {
	agent.Agent

	name       string
	endpoint   string
	cardSource string
	pool       *pool.Pool
	http       *httpclient.Client
	sendConfig *a2a.MessageSendConfig

	mu   sync.Mutex
	card *a2a.AgentCard
}

func (a *remoteAgent) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		card, err := a.resolveCard(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("agent %q: resolve agent card: %w", a.name, err))
			return
		}

		endpoint := a.endpoint
		if endpoint == "" {
			endpoint = card.URL
		}
		if endpoint == "" {
			yield(nil, fmt.Errorf("agent %q: agent card carries no URL and no endpoint was configured", a.name))
			return
		}

		msg := a.outgoingMessage(ctx)
		if msg == nil {
			yield(a.newEvent(ctx), nil)
			return
		}

		lease, err := a.pool.Acquire(ctx, endpoint)
		if err != nil {
			yield(nil, fmt.Errorf("agent %q: acquire connection: %w", a.name, err))
			return
		}
		defer lease.Release()

		params := &a2a.MessageSendParams{Message: msg, Config: a.sendConfig}
		versions := make(map[a2a.ArtifactID]int)
		for a2aEvent, err := range lease.Client().SendStreamingMessage(ctx, params) {
			if err != nil {
				yield(nil, fmt.Errorf("agent %q: message stream: %w", a.name, err))
				return
			}
			event := a.convertEvent(ctx, a2aEvent, versions)
			if event == nil {
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// resolveCard returns the agent card, fetching and caching it on first
// use. A failed fetch is retried on the next run.
func (a *remoteAgent) resolveCard(ctx agent.InvocationContext) (*a2a.AgentCard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.card != nil {
		return a.card, nil
	}

	var (
		card *a2a.AgentCard
		err  error
	)
	if strings.HasPrefix(a.cardSource, "http://") || strings.HasPrefix(a.cardSource, "https://") {
		card, err = a.fetchCard(ctx)
	} else {
		card, err = a.readCardFile()
	}
	if err != nil {
		return nil, err
	}
	a.card = card
	return card, nil
}

func (a *remoteAgent) fetchCard(ctx agent.InvocationContext) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cardSource, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", a.cardSource, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", a.cardSource, resp.StatusCode)
	}
	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	return &card, nil
}

func (a *remoteAgent) readCardFile() (*a2a.AgentCard, error) {
	raw, err := os.ReadFile(a.cardSource)
	if err != nil {
		return nil, err
	}
	var card a2a.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("decode agent card %s: %w", a.cardSource, err)
	}
	return &card, nil
}

// outgoingMessage builds the A2A message for this invocation from the
// latest user content, or nil when there is nothing to send. When the
// previous turn left the remote task awaiting input, the stored task and
// context IDs are attached so the remote resumes it.
func (a *remoteAgent) outgoingMessage(ctx agent.InvocationContext) *a2a.Message {
	content := ctx.UserContent()
	if content == nil || len(content.Parts) == 0 {
		return nil
	}
	msg := a2a.NewMessage(a2a.MessageRoleUser, content.Parts...)
	if id := a.stateString(ctx, a.taskKey()); id != "" {
		msg.TaskID = a2a.TaskID(id)
	}
	if id := a.stateString(ctx, a.contextKey()); id != "" {
		msg.ContextID = id
	}
	return msg
}

func (a *remoteAgent) stateString(ctx agent.InvocationContext, key string) string {
	v, err := ctx.State().Get(key)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (a *remoteAgent) taskKey() string    { return "remote." + a.name + ".task_id" }
func (a *remoteAgent) contextKey() string { return "remote." + a.name + ".context_id" }

func (a *remoteAgent) newEvent(ctx agent.InvocationContext) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = a.name
	event.Branch = ctx.Branch()
	return event
}
