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

package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

const plannerSystemPrompt = `You decompose a user's objective into a plan of specialist calls.

Return only a JSON object of the form {"nodes": [{"id": "...", "agent": "...", "depends_on": ["..."], "input": "..."}]}.

Rules:
- "agent" must name one of the available specialists.
- "id" is a short unique slug for the step.
- "depends_on" lists ids of steps whose output this step needs.
- "input" is the prompt for the specialist. Write {objective} where the user's objective should appear and {<id>} where a dependency's output should appear.
- Steps without a dependency between them run concurrently, so prefer independent steps.`

// EnhancedTemplate builds a dynamic orchestrator: instead of fixed
// stages, a planner model decomposes every request into a dependency
// graph of specialist calls that the workflow engine executes.
type EnhancedTemplate struct {
	// Name is the orchestrator's agent name. Required.
	Name string

	// Description describes the assembled orchestrator.
	Description string

	// Planner produces execution plans. Required.
	Planner model.Model

	// Specialists is the pool of agents plans can call. Required.
	Specialists []agent.Agent

	// MaxConcurrency bounds how many plan nodes run at once. Zero uses
	// the workflow engine's default.
	MaxConcurrency int

	// FailurePolicy selects fail-fast or continue-on-failure execution.
	// Empty uses the engine's default.
	FailurePolicy workflow.FailurePolicy

	// CheckpointStore persists node results during execution.
	CheckpointStore workflow.CheckpointStore

	// MaxPlanNodes rejects plans larger than this. Zero means no limit.
	MaxPlanNodes int

	// NodeRetry is applied to every plan node.
	NodeRetry workflow.RetryPolicy

	// NodeTimeout bounds a single specialist attempt. Zero means no
	// limit beyond the run context.
	NodeTimeout time.Duration

	// Metrics records per-node and pool metrics. Optional.
	Metrics observability.Recorder
}

// Validate checks the template without building it.
func (t *EnhancedTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.Planner == nil {
		return fmt.Errorf("planner model is required")
	}
	if len(t.Specialists) == 0 {
		return fmt.Errorf("template '%s' has no specialists", t.Name)
	}
	_, err := indexSpecialists(t.Name, t.Specialists)
	return err
}

// Build validates the template and assembles the orchestrator agent.
func (t *EnhancedTemplate) Build() (agent.Agent, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	index, err := indexSpecialists(t.Name, t.Specialists)
	if err != nil {
		return nil, err
	}

	e := &enhanced{
		name:         t.Name,
		planner:      t.Planner,
		specialists:  index,
		roster:       t.Specialists,
		maxPlanNodes: t.MaxPlanNodes,
		nodeRetry:    t.NodeRetry,
		nodeTimeout:  t.NodeTimeout,
		concurrency:  t.MaxConcurrency,
		policy:       t.FailurePolicy,
		store:        t.CheckpointStore,
		metrics:      observability.ForRecorder(t.Metrics),
	}

	description := t.Description
	if description == "" {
		description = fmt.Sprintf("Plans and runs workflows over %d specialists", len(t.Specialists))
	}

	return agent.New(agent.Config{
		Name:        t.Name,
		Description: description,
		SubAgents:   t.Specialists,
		Run:         e.run,
	})
}

type enhanced struct {
	name         string
	planner      model.Model
	specialists  map[string]agent.Agent
	roster       []agent.Agent
	maxPlanNodes int
	nodeRetry    workflow.RetryPolicy
	nodeTimeout  time.Duration
	concurrency  int
	policy       workflow.FailurePolicy
	store        workflow.CheckpointStore
	metrics      observability.Recorder
}

type engineDone struct {
	result *workflow.Result
	err    error
}

func (e *enhanced) run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		objective := ""
		if uc := ctx.UserContent(); uc != nil {
			objective = strings.TrimSpace(uc.Text())
		}
		if objective == "" {
			yield(nil, fmt.Errorf("orchestrator '%s' needs an objective to plan for", e.name))
			return
		}

		plan, err := e.plan(ctx, objective)
		if err != nil {
			yield(nil, err)
			return
		}

		names := make(map[string]bool, len(e.specialists))
		for name := range e.specialists {
			names[name] = true
		}
		if err := validatePlan(plan, names, e.maxPlanNodes); err != nil {
			yield(nil, fmt.Errorf("invalid plan: %w", err))
			return
		}

		if !yield(e.planEvent(ctx, plan), nil) {
			return
		}

		graph, err := e.compile(ctx, plan, objective)
		if err != nil {
			yield(nil, fmt.Errorf("failed to compile plan: %w", err))
			return
		}

		// The engine runs in its own goroutine so progress snapshots can
		// stream out while nodes execute.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		statusCh := make(chan workflow.Status, 16)
		doneCh := make(chan engineDone, 1)
		eng := e.newEngine(func(st workflow.Status) {
			select {
			case statusCh <- st:
			default:
			}
		})
		go func() {
			result, err := eng.Run(runCtx, graph)
			doneCh <- engineDone{result: result, err: err}
		}()

		var result *workflow.Result
		for result == nil {
			select {
			case st := <-statusCh:
				if !yield(e.progressEvent(ctx, st), nil) {
					cancel()
					<-doneCh
					return
				}
			case done := <-doneCh:
				if done.err != nil {
					yield(nil, fmt.Errorf("plan execution failed: %w", done.err))
					return
				}
				result = done.result
			}
		}

		yield(e.finalEvent(ctx, plan, graph, result), nil)
	}
}

// plan asks the planner model for a structured plan.
func (e *enhanced) plan(ctx agent.InvocationContext, objective string) (*Plan, error) {
	temperature := 0.0
	req := &model.Request{
		SystemInstruction: e.plannerInstruction(),
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: "Objective:\n" + objective}),
		},
		Config: &model.GenerateConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   planSchema,
		},
	}

	var final *model.Response
	for resp, err := range e.planner.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, fmt.Errorf("planner call failed: %w", err)
		}
		final = resp
	}
	if final == nil {
		return nil, fmt.Errorf("planner returned no response")
	}
	return ParsePlan(final.TextContent())
}

func (e *enhanced) plannerInstruction() string {
	var sb strings.Builder
	sb.WriteString(plannerSystemPrompt)
	sb.WriteString("\n\nAvailable specialists:\n")
	for _, sp := range e.roster {
		fmt.Fprintf(&sb, "- %s: %s\n", sp.Name(), sp.Description())
	}
	return sb.String()
}

// compile turns a validated plan into a workflow graph.
func (e *enhanced) compile(ctx agent.InvocationContext, plan *Plan, objective string) (*workflow.Graph, error) {
	b := workflow.NewBuilder()
	for _, node := range plan.Nodes {
		b.AddNode(workflow.Node{
			ID:        node.ID,
			DependsOn: node.DependsOn,
			Run:       e.nodeRunner(ctx, node, objective),
			Retry:     e.nodeRetry,
			Timeout:   e.nodeTimeout,
			Metadata:  map[string]string{"agent": node.Agent},
		})
	}
	return b.Build()
}

// nodeRunner adapts one plan node to the workflow engine: render the
// input, run the specialist on a branch of the invocation, and return
// its final response text. Specialist events stay internal; results
// surface through the final event's state delta.
func (e *enhanced) nodeRunner(ctx agent.InvocationContext, node PlanNode, objective string) workflow.RunnerFunc {
	specialist := e.specialists[node.Agent]
	return func(nctx context.Context, in *workflow.NodeInput) (string, error) {
		input := renderInput(node.Input, objective, in.Outputs)
		subCtx := agent.NewInvocationContext(nctx, agent.InvocationContextParams{
			Agent:       specialist,
			Session:     ctx.Session(),
			UserContent: agent.NewTextContent(a2a.MessageRoleUser, input),
			RunConfig:   ctx.RunConfig(),
			Branch:      agent.JoinBranch(ctx.Branch(), node.ID),
		})

		text := ""
		for event, err := range specialist.Run(subCtx) {
			if err != nil {
				return "", err
			}
			if event.IsFinalResponse() {
				if t := event.TextContent(); t != "" {
					text = t
				}
			}
		}
		return text, nil
	}
}

func (e *enhanced) newEngine(onStatus func(workflow.Status)) *workflow.Engine {
	opts := []workflow.Option{
		workflow.WithProgress(onStatus),
		workflow.WithRecorder(e.metrics),
	}
	if e.concurrency > 0 {
		opts = append(opts, workflow.WithMaxConcurrency(e.concurrency))
	}
	if e.policy != "" {
		opts = append(opts, workflow.WithFailurePolicy(e.policy))
	}
	if e.store != nil {
		opts = append(opts, workflow.WithCheckpointStore(e.store))
	}
	return workflow.NewEngine(opts...)
}

// planEvent announces the accepted plan before execution starts.
func (e *enhanced) planEvent(ctx agent.InvocationContext, plan *Plan) *agent.Event {
	nodes := make([]map[string]any, 0, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nd := map[string]any{"id": n.ID, "agent": n.Agent, "input": n.Input}
		if len(n.DependsOn) > 0 {
			nd["depends_on"] = n.DependsOn
		}
		nodes = append(nodes, nd)
	}

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = ctx.AgentName()
	event.Branch = ctx.Branch()
	event.Message = a2a.NewMessage(a2a.MessageRoleAgent,
		a2a.TextPart{Text: fmt.Sprintf("Planned %d step(s).", len(plan.Nodes))},
		a2a.DataPart{Data: map[string]any{"plan": nodes}},
	)
	return event
}

// progressEvent streams a transient run snapshot.
func (e *enhanced) progressEvent(ctx agent.InvocationContext, st workflow.Status) *agent.Event {
	event := agent.NewEvent(ctx.InvocationID())
	event.Author = ctx.AgentName()
	event.Branch = ctx.Branch()
	event.Partial = true
	event.Message = agent.NewTextContent(a2a.MessageRoleAgent,
		fmt.Sprintf("Progress: %d/%d steps done.", st.Done(), st.Total)).ToMessage()
	return event
}

// finalEvent commits node outputs to session state and answers with the
// outputs of the plan's sink nodes.
func (e *enhanced) finalEvent(ctx agent.InvocationContext, plan *Plan, graph *workflow.Graph, result *workflow.Result) *agent.Event {
	delta := make(map[string]any, len(plan.Nodes))
	var sinks []string
	for _, node := range plan.Nodes {
		out, ok := result.Output(node.ID)
		if !ok {
			continue
		}
		delta["plan."+node.ID] = out
		if len(graph.Dependents(node.ID)) == 0 && out != "" {
			sinks = append(sinks, out)
		}
	}

	text := strings.Join(sinks, "\n\n")
	if text == "" {
		text = fmt.Sprintf("Completed %d step(s).", len(plan.Nodes))
	}

	event := agent.NewEvent(ctx.InvocationID())
	event.Author = ctx.AgentName()
	event.Branch = ctx.Branch()
	event.Actions.StateDelta = delta
	event.Message = agent.NewTextContent(a2a.MessageRoleAgent, text).ToMessage()
	event.CustomMetadata = map[string]any{
		"plan_run_id":      result.RunID,
		"plan_nodes":       len(plan.Nodes),
		"plan_duration_ms": result.Duration.Milliseconds(),
	}
	return event
}
