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

package workflowagent

import (
	"iter"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// LoopConfig defines the configuration for a LoopAgent.
type LoopConfig struct {
	// Name is the agent name.
	Name string

	// Description describes what the agent does.
	Description string

	// SubAgents are the agents to run on every iteration, in order.
	SubAgents []agent.Agent

	// MaxIterations bounds the loop. Zero means no bound; the loop then
	// runs until a sub-agent escalates or the context ends.
	MaxIterations uint
}

// NewLoop creates a LoopAgent.
//
// LoopAgent repeatedly runs its sub-agents in order until MaxIterations is
// reached or a sub-agent yields an event with Actions.Escalate set. The
// escalating event is still delivered before the loop stops.
//
// Typical use is iterative refinement:
//
//	writer, _ := llmagent.New(llmagent.Config{Name: "writer", ...})
//	critic, _ := llmagent.New(llmagent.Config{Name: "critic", ...})
//
//	refine, _ := workflowagent.NewLoop(workflowagent.LoopConfig{
//	    Name:          "refine",
//	    Description:   "Refines a draft until the critic accepts it",
//	    SubAgents:     []agent.Agent{writer, critic},
//	    MaxIterations: 5,
//	})
func NewLoop(cfg LoopConfig) (agent.Agent, error) {
	maxIterations := cfg.MaxIterations
	return agent.New(agent.Config{
		Name:        cfg.Name,
		Description: cfg.Description,
		SubAgents:   cfg.SubAgents,
		Run: func(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
			return runLoop(ctx, maxIterations)
		},
	})
}

func runLoop(ctx agent.InvocationContext, maxIterations uint) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		remaining := maxIterations
		for {
			for _, subAgent := range ctx.Agent().SubAgents() {
				subCtx := agent.NewInvocationContext(ctx, agent.InvocationContextParams{
					Agent:       subAgent,
					Session:     ctx.Session(),
					UserContent: ctx.UserContent(),
					RunConfig:   ctx.RunConfig(),
					Branch:      agent.JoinBranch(ctx.Branch(), subAgent.Name()),
				})

				escalated := false
				for event, err := range subAgent.Run(subCtx) {
					if !yield(event, err) {
						return
					}
					if err != nil {
						return
					}
					if event != nil && event.Actions.Escalate {
						escalated = true
					}
				}
				if escalated || ctx.Ended() {
					return
				}
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
			}

			if maxIterations > 0 {
				remaining--
				if remaining == 0 {
					return
				}
			}
		}
	}
}
