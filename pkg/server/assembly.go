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

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2asrv"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/agent/llmagent"
	"github.com/ensembleworks/ensemble/pkg/agent/remoteagent"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/model"
	"github.com/ensembleworks/ensemble/pkg/model/gemini"
	"github.com/ensembleworks/ensemble/pkg/observability"
	"github.com/ensembleworks/ensemble/pkg/orchestrator"
	"github.com/ensembleworks/ensemble/pkg/pool"
	"github.com/ensembleworks/ensemble/pkg/quality"
	"github.com/ensembleworks/ensemble/pkg/runner"
	"github.com/ensembleworks/ensemble/pkg/session"
	"github.com/ensembleworks/ensemble/pkg/tool"
	"github.com/ensembleworks/ensemble/pkg/tool/mcptoolset"
	"github.com/ensembleworks/ensemble/pkg/workflow"
)

const defaultAppName = "ensemble"

// Runtime holds every live component assembled from one configuration
// snapshot: shared stores, models, MCP toolsets, the remote-agent pool,
// the agent trees, and one executor per addressable agent.
//
// A Runtime is immutable after assembly. Configuration reloads build a
// fresh Runtime and retire the old one with Close.
type Runtime struct {
	cfg       *config.Config
	sessions  session.Service
	tasks     a2asrv.TaskStore
	models    map[string]model.Model
	toolsets  map[string]*mcptoolset.Toolset
	pool      *pool.Pool
	dbs       map[string]*sql.DB
	agents    map[string]agent.Agent
	executors map[string]*Executor
}

// Config returns the configuration snapshot the runtime was built from.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Executor returns the executor serving the named agent or orchestrator.
func (r *Runtime) Executor(name string) (*Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

// TaskStore returns the shared task store, or nil when tasks are kept in
// memory per handler.
func (r *Runtime) TaskStore() a2asrv.TaskStore {
	return r.tasks
}

// Close releases toolset processes, pooled remote-agent clients, and
// database handles. The context bounds the pool drain.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	for name, ts := range r.toolsets {
		if err := ts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolset '%s': %w", name, err))
		}
	}
	if r.pool != nil {
		if err := r.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool: %w", err))
		}
	}
	for name, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database '%s': %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// BuildRuntime assembles a Runtime from a validated configuration.
// Assembly is offline: models, toolsets, and pooled clients connect
// lazily on first use, and database handles are opened without dialing.
// Components referenced by name (databases, models, toolsets, agents)
// are built once and shared.
func BuildRuntime(cfg *config.Config, obs *observability.Manager) (*Runtime, error) {
	b := &builder{
		cfg: cfg,
		obs: obs,
		rt: &Runtime{
			cfg:       cfg,
			models:    make(map[string]model.Model),
			toolsets:  make(map[string]*mcptoolset.Toolset),
			dbs:       make(map[string]*sql.DB),
			agents:    make(map[string]agent.Agent),
			executors: make(map[string]*Executor),
		},
	}

	if err := b.build(); err != nil {
		// A partial assembly already holds connections and processes.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := b.rt.Close(closeCtx); cerr != nil {
			slog.Warn("Failed to release partially assembled runtime", "error", cerr)
		}
		return nil, err
	}
	return b.rt, nil
}

// builder memoizes shared components while walking the configuration.
type builder struct {
	cfg *config.Config
	obs *observability.Manager
	rt  *Runtime
}

func (b *builder) build() error {
	sessions, err := b.buildSessions()
	if err != nil {
		return err
	}
	b.rt.sessions = sessions

	tasks, err := b.buildTaskStore()
	if err != nil {
		return err
	}
	b.rt.tasks = tasks

	appName := b.cfg.Name
	if appName == "" {
		appName = defaultAppName
	}

	for _, name := range b.cfg.ListAgents() {
		a, err := b.agent(name)
		if err != nil {
			return fmt.Errorf("agent '%s': %w", name, err)
		}
		exec, err := b.executor(appName, a, streamingMode(b.cfg.Agents[name]))
		if err != nil {
			return fmt.Errorf("agent '%s': %w", name, err)
		}
		b.rt.executors[name] = exec
	}

	for _, name := range b.cfg.ListOrchestrators() {
		a, err := b.orchestrator(name, b.cfg.Orchestrators[name])
		if err != nil {
			return fmt.Errorf("orchestrator '%s': %w", name, err)
		}
		exec, err := b.executor(appName, a, agent.StreamingModeNone)
		if err != nil {
			return fmt.Errorf("orchestrator '%s': %w", name, err)
		}
		b.rt.executors[name] = exec
	}

	return nil
}

func (b *builder) buildSessions() (session.Service, error) {
	if b.cfg.Sessions.Backend == config.StorageBackendSQL {
		db, dialect, err := b.database(b.cfg.Sessions.Database)
		if err != nil {
			return nil, fmt.Errorf("sessions: %w", err)
		}
		svc, err := session.NewSQLService(db, dialect)
		if err != nil {
			return nil, fmt.Errorf("sessions: %w", err)
		}
		return svc, nil
	}
	return session.InMemoryService(), nil
}

func (b *builder) buildTaskStore() (a2asrv.TaskStore, error) {
	tc := b.cfg.Server.Tasks
	if tc == nil || tc.Backend != config.StorageBackendSQL {
		return nil, nil
	}
	db, dialect, err := b.database(tc.Database)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	store, err := NewSQLTaskStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	return store, nil
}

// database opens the named connection once and reuses it for every
// component referencing the same name.
func (b *builder) database(name string) (*sql.DB, string, error) {
	dc, ok := b.cfg.Databases[name]
	if !ok {
		return nil, "", fmt.Errorf("database '%s' is not configured", name)
	}
	if db, ok := b.rt.dbs[name]; ok {
		return db, dc.Dialect(), nil
	}

	db, err := sql.Open(dc.DriverName(), dc.DSN())
	if err != nil {
		return nil, "", fmt.Errorf("database '%s': %w", name, err)
	}
	db.SetMaxOpenConns(dc.MaxConns)
	db.SetMaxIdleConns(dc.MaxIdle)
	if dc.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(dc.ConnMaxLifetime)
	}

	b.rt.dbs[name] = db
	return db, dc.Dialect(), nil
}

func (b *builder) model(name string) (model.Model, error) {
	if m, ok := b.rt.models[name]; ok {
		return m, nil
	}
	mc, ok := b.cfg.Models[name]
	if !ok {
		return nil, fmt.Errorf("model '%s' is not configured", name)
	}

	m, err := gemini.New(gemini.Config{
		APIKey:      mc.APIKey,
		Model:       mc.Model,
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("model '%s': %w", name, err)
	}

	b.rt.models[name] = m
	return m, nil
}

func (b *builder) toolset(name string) (*mcptoolset.Toolset, error) {
	if ts, ok := b.rt.toolsets[name]; ok {
		return ts, nil
	}
	tc, ok := b.cfg.Tools[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' is not configured", name)
	}

	ts, err := mcptoolset.New(mcptoolset.Config{
		Name:       name,
		Transport:  tc.Transport,
		URL:        tc.URL,
		Command:    tc.Command,
		Args:       tc.Args,
		Env:        tc.Env,
		Filter:     tc.Filter,
		MaxRetries: tc.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("tool '%s': %w", name, err)
	}

	b.rt.toolsets[name] = ts
	return ts, nil
}

// sharedPool builds the remote-agent client pool on first use, so
// deployments without remote agents never start health probing.
func (b *builder) sharedPool() (*pool.Pool, error) {
	if b.rt.pool != nil {
		return b.rt.pool, nil
	}

	pc := b.cfg.Pool
	p, err := pool.New(pool.Config{
		MaxLeasesPerEndpoint: pc.MaxLeasesPerEndpoint,
		MaxWaiters:           pc.MaxWaiters,
		IdleTTL:              pc.IdleTTL,
		HealthCheck: pool.HealthCheckConfig{
			Interval:         pc.Health.Interval,
			Timeout:          pc.Health.Timeout,
			FailureThreshold: pc.Health.FailureThreshold,
			MaxBackoff:       pc.Health.MaxBackoff,
			Disabled:         pc.Health.Disabled,
		},
		Metrics: b.obs.Recorder(),
	})
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}

	b.rt.pool = p
	return p, nil
}

// agent builds the named agent, memoized so an agent referenced from
// several places (sub-agent lists, orchestrator specialists) is one
// shared instance. Configuration validation has already rejected
// reference cycles, so the recursion terminates.
func (b *builder) agent(name string) (agent.Agent, error) {
	if a, ok := b.rt.agents[name]; ok {
		return a, nil
	}
	ac, ok := b.cfg.Agents[name]
	if !ok {
		return nil, fmt.Errorf("agent '%s' is not configured", name)
	}

	// A quality-gated agent keeps its public name on the gate; the
	// wrapped child runs under a _draft suffix so both carry distinct
	// names in the tree.
	childName := ac.Name
	if ac.Quality != "" {
		childName = ac.Name + "_draft"
	}

	var (
		a   agent.Agent
		err error
	)
	switch ac.Type {
	case config.AgentTypeRemote:
		a, err = b.remoteAgent(ac, childName)
	default:
		a, err = b.llmAgent(ac, childName)
	}
	if err != nil {
		return nil, err
	}

	if ac.Quality != "" {
		a, err = b.gated(a, ac)
		if err != nil {
			return nil, err
		}
	}

	b.rt.agents[name] = a
	return a, nil
}

func (b *builder) llmAgent(ac *config.AgentConfig, name string) (agent.Agent, error) {
	if ac.Model == "" {
		return nil, fmt.Errorf("a model reference is required")
	}
	m, err := b.model(ac.Model)
	if err != nil {
		return nil, err
	}

	var toolsets []tool.Toolset
	for _, tn := range ac.Tools {
		ts, err := b.toolset(tn)
		if err != nil {
			return nil, err
		}
		toolsets = append(toolsets, ts)
	}

	var subAgents []agent.Agent
	for _, sn := range ac.SubAgents {
		sub, err := b.agent(sn)
		if err != nil {
			return nil, fmt.Errorf("sub-agent '%s': %w", sn, err)
		}
		subAgents = append(subAgents, sub)
	}

	var gen *model.GenerateConfig
	if ac.Generate != nil {
		gen = &model.GenerateConfig{
			Temperature:   ac.Generate.Temperature,
			MaxTokens:     ac.Generate.MaxTokens,
			TopP:          ac.Generate.TopP,
			TopK:          ac.Generate.TopK,
			StopSequences: ac.Generate.StopSequences,
		}
	}

	return llmagent.New(llmagent.Config{
		Name:              name,
		Description:       ac.Description,
		Model:             m,
		Instruction:       ac.Instruction,
		GlobalInstruction: ac.GlobalInstruction,
		GenerateConfig:    gen,
		Toolsets:          toolsets,
		SubAgents:         subAgents,
		IncludeContents:   llmagent.IncludeContents(ac.IncludeContents),
		OutputKey:         ac.OutputKey,
		MaxIterations:     ac.MaxIterations,
		MaxHistoryTokens:  ac.MaxHistoryTokens,
		Metrics:           b.obs.Recorder(),
	})
}

func (b *builder) remoteAgent(ac *config.AgentConfig, name string) (agent.Agent, error) {
	p, err := b.sharedPool()
	if err != nil {
		return nil, err
	}
	return remoteagent.New(remoteagent.Config{
		Name:        name,
		Description: ac.Description,
		Endpoint:    ac.URL,
		Pool:        p,
	})
}

// gated wraps an agent in its configured quality gate. The gate carries
// the agent's public name and description, so transfers, cards, and
// coordinator prompts address the gated whole.
func (b *builder) gated(child agent.Agent, ac *config.AgentConfig) (agent.Agent, error) {
	qc, ok := b.cfg.Quality[ac.Quality]
	if !ok {
		return nil, fmt.Errorf("quality gate '%s' is not configured", ac.Quality)
	}

	checks := make([]quality.WeightedCheck, 0, len(qc.Checks))
	for i := range qc.Checks {
		check, err := b.check(&qc.Checks[i])
		if err != nil {
			return nil, fmt.Errorf("quality gate '%s' check %d: %w", ac.Quality, i, err)
		}
		weight := qc.Checks[i].Weight
		if weight == 0 {
			weight = 1
		}
		checks = append(checks, quality.Weighted(check, weight))
	}

	return quality.NewGate(quality.GateConfig{
		Name:        ac.Name,
		Description: ac.Description,
		Agent:       child,
		Evaluator:   quality.NewEvaluator(qc.Threshold, checks...),
		MaxAttempts: qc.MaxAttempts,
	})
}

func (b *builder) check(cc *config.QualityCheckConfig) (quality.Check, error) {
	switch cc.Type {
	case config.QualityCheckLength:
		return &quality.LengthCheck{MinChars: cc.MinChars, MaxChars: cc.MaxChars}, nil
	case config.QualityCheckKeywords:
		return &quality.KeywordCheck{
			Required:      cc.Required,
			Forbidden:     cc.Forbidden,
			CaseSensitive: cc.CaseSensitive,
		}, nil
	case config.QualityCheckSchema:
		return quality.NewSchemaCheckFromMap("schema", cc.Schema)
	case config.QualityCheckJudge:
		m, err := b.model(cc.Model)
		if err != nil {
			return nil, err
		}
		return quality.NewJudgeCheck(quality.JudgeConfig{
			Model:         m,
			Criteria:      cc.Criteria,
			PassThreshold: cc.PassThreshold,
		})
	default:
		return nil, fmt.Errorf("unknown check type '%s'", cc.Type)
	}
}

func (b *builder) orchestrator(name string, oc *config.OrchestratorConfig) (agent.Agent, error) {
	m, err := b.model(oc.Model)
	if err != nil {
		return nil, err
	}

	specialists := make([]agent.Agent, 0, len(oc.Specialists))
	for _, sn := range oc.Specialists {
		sa, err := b.agent(sn)
		if err != nil {
			return nil, fmt.Errorf("specialist '%s': %w", sn, err)
		}
		specialists = append(specialists, sa)
	}

	if oc.Type == config.OrchestratorTypePlanner {
		return b.plannerOrchestrator(name, oc, m, specialists)
	}

	stages := make([]orchestrator.Stage, len(oc.Stages))
	for i, sc := range oc.Stages {
		stages[i] = orchestrator.Stage{
			Name:          sc.Name,
			Kind:          orchestrator.StageKind(sc.Kind),
			Agents:        sc.Agents,
			MaxIterations: sc.MaxIterations,
		}
	}

	t := orchestrator.Template{
		Name:        name,
		Description: oc.Description,
		Model:       m,
		Instruction: oc.Instruction,
		Specialists: specialists,
		Stages:      stages,
	}
	return t.Build()
}

func (b *builder) plannerOrchestrator(name string, oc *config.OrchestratorConfig, m model.Model, specialists []agent.Agent) (agent.Agent, error) {
	t := orchestrator.EnhancedTemplate{
		Name:         name,
		Description:  oc.Description,
		Planner:      m,
		Specialists:  specialists,
		MaxPlanNodes: oc.MaxPlanNodes,
		Metrics:      b.obs.Recorder(),
	}

	if oc.Workflow != "" {
		wc, ok := b.cfg.Workflows[oc.Workflow]
		if !ok {
			return nil, fmt.Errorf("workflow '%s' is not configured", oc.Workflow)
		}
		t.MaxConcurrency = wc.MaxConcurrency
		t.FailurePolicy = workflow.FailurePolicy(wc.FailurePolicy)
		t.NodeTimeout = wc.NodeTimeout
		if wc.Retry != nil {
			t.NodeRetry = workflow.RetryPolicy{
				MaxAttempts:    wc.Retry.MaxAttempts,
				InitialBackoff: wc.Retry.InitialBackoff,
				MaxBackoff:     wc.Retry.MaxBackoff,
			}
		}
		if wc.Checkpoint != nil && wc.Checkpoint.Enabled {
			store, err := b.checkpointStore(wc.Checkpoint)
			if err != nil {
				return nil, fmt.Errorf("workflow '%s': %w", oc.Workflow, err)
			}
			t.CheckpointStore = store
		}
	}

	return t.Build()
}

func (b *builder) checkpointStore(cc *config.CheckpointConfig) (workflow.CheckpointStore, error) {
	if cc.Database == "" {
		return workflow.NewInMemoryCheckpointStore(), nil
	}
	db, dialect, err := b.database(cc.Database)
	if err != nil {
		return nil, err
	}
	return workflow.NewSQLCheckpointStore(db, dialect)
}

func (b *builder) executor(appName string, a agent.Agent, mode agent.StreamingMode) (*Executor, error) {
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          a,
		SessionService: b.rt.sessions,
		Metrics:        b.obs.Recorder(),
	})
	if err != nil {
		return nil, err
	}
	return NewExecutor(ExecutorConfig{
		Runner:    r,
		RunConfig: agent.RunConfig{StreamingMode: mode},
	}), nil
}

func streamingMode(ac *config.AgentConfig) agent.StreamingMode {
	if ac.Streaming != nil && *ac.Streaming {
		return agent.StreamingModeSSE
	}
	return agent.StreamingModeNone
}
