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

package quality

import (
	"fmt"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// DefaultFeedbackKey is where the gate writes evaluator feedback between
// attempts. The temp: scope keeps it out of durable session state; child
// instructions read it with the {temp:quality_feedback?} placeholder.
const DefaultFeedbackKey = "temp:quality_feedback"

// GateConfig configures a quality gate.
type GateConfig struct {
	// Name is the gate's agent name. Required.
	Name string

	// Description describes the gate. Defaults to naming the child.
	Description string

	// Agent is the child whose output is gated. Required.
	Agent agent.Agent

	// Evaluator scores the child's final response. Required.
	Evaluator *Evaluator

	// MaxAttempts bounds how many times the child runs. Defaults to 2.
	MaxAttempts int

	// FeedbackKey is the state key feedback is written under between
	// attempts. Defaults to DefaultFeedbackKey.
	FeedbackKey string
}

// NewGate wraps an agent so its final response must pass the evaluator.
//
// The gate runs the child and buffers its events. If the report passes,
// the buffered events are released unchanged. If not, the gate commits
// the evaluator's feedback to state and reruns the child, up to
// MaxAttempts. When attempts are exhausted the best-scoring attempt's
// events are released, followed by an escalation event carrying the
// report, so enclosing loops stop iterating on output that cannot pass.
//
// Events of discarded attempts are never released, so their state deltas
// never reach the session.
func NewGate(cfg GateConfig) (agent.Agent, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("gated agent is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	feedbackKey := cfg.FeedbackKey
	if feedbackKey == "" {
		feedbackKey = DefaultFeedbackKey
	}
	description := cfg.Description
	if description == "" {
		description = fmt.Sprintf("Quality gate over %s", cfg.Agent.Name())
	}

	g := &gate{
		child:       cfg.Agent,
		evaluator:   cfg.Evaluator,
		maxAttempts: maxAttempts,
		feedbackKey: feedbackKey,
	}
	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: description,
		SubAgents:   []agent.Agent{cfg.Agent},
		Run:         g.run,
	})
}

type gate struct {
	child       agent.Agent
	evaluator   *Evaluator
	maxAttempts int
	feedbackKey string
}

// attempt is one child run with its evaluation.
type attempt struct {
	events []*agent.Event
	report *Report
}

func (g *gate) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		input := ""
		if uc := ctx.UserContent(); uc != nil {
			input = uc.Text()
		}

		var best *attempt
		for n := 1; n <= g.maxAttempts; n++ {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			att, err := g.runChild(ctx, input)
			if err != nil {
				yield(nil, err)
				return
			}

			if best == nil || att.report.Aggregate > best.report.Aggregate {
				best = att
			}

			if att.report.Passed {
				g.release(att, yield)
				return
			}

			if n < g.maxAttempts {
				// Committing the feedback before the next run makes it
				// visible to the child's instruction placeholders.
				fb := agent.NewEvent(ctx.InvocationID())
				fb.Author = ctx.AgentName()
				fb.Branch = ctx.Branch()
				fb.Actions.StateDelta = map[string]any{g.feedbackKey: att.report.Feedback()}
				if !yield(fb, nil) {
					return
				}
			}
		}

		if !g.release(best, yield) {
			return
		}
		esc := g.verdictEvent(ctx, best.report, g.maxAttempts)
		esc.Actions.Escalate = true
		esc.Message = agent.NewTextContent(a2a.MessageRoleAgent, fmt.Sprintf(
			"Quality gate exhausted %d attempt(s); best score %.2f below threshold %.2f.",
			g.maxAttempts, best.report.Aggregate, best.report.Threshold)).ToMessage()
		yield(esc, nil)
	}
}

// runChild executes one attempt, buffering events and evaluating the
// final response text.
func (g *gate) runChild(ctx agent.InvocationContext, input string) (*attempt, error) {
	subCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
		Agent:       g.child,
		Session:     ctx.Session(),
		UserContent: ctx.UserContent(),
		RunConfig:   ctx.RunConfig(),
		Branch:      agent.JoinBranch(ctx.Branch(), g.child.Name()),
	})

	var events []*agent.Event
	finalText := ""
	for event, err := range g.child.Run(subCtx) {
		if err != nil {
			return nil, err
		}
		events = append(events, event)
		if event.IsFinalResponse() {
			if t := event.TextContent(); t != "" {
				finalText = t
			}
		}
	}

	report, err := g.evaluator.Evaluate(ctx, input, finalText)
	if err != nil {
		return nil, fmt.Errorf("quality evaluation failed: %w", err)
	}
	return &attempt{events: events, report: report}, nil
}

// release yields a buffered attempt's events in order.
func (g *gate) release(att *attempt, yield func(*agent.Event, error) bool) bool {
	for _, event := range att.events {
		if !yield(event, nil) {
			return false
		}
	}
	return true
}

// verdictEvent summarizes the report in event metadata.
func (g *gate) verdictEvent(ctx agent.InvocationContext, report *Report, attempts int) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = ctx.AgentName()
	event.Branch = ctx.Branch()
	event.CustomMetadata = map[string]any{
		"quality_aggregate": report.Aggregate,
		"quality_threshold": report.Threshold,
		"quality_passed":    report.Passed,
		"quality_attempts":  attempts,
	}
	return event
}
