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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ensembleworks/ensemble/pkg/observability"
)

// FailurePolicy decides what happens to the rest of the graph when a
// node fails.
type FailurePolicy string

const (
	// FailFast cancels in-flight nodes and skips everything not yet
	// started.
	FailFast FailurePolicy = "fail_fast"

	// Continue keeps running nodes that do not depend on the failure;
	// only the failed node's downstream is skipped.
	Continue FailurePolicy = "continue"
)

// ErrRunFailed is wrapped by Run and Resume when the graph did not
// complete successfully.
var ErrRunFailed = errors.New("workflow run failed")

// ErrFingerprintMismatch is returned by Resume when the graph's
// structure differs from the checkpointed one.
var ErrFingerprintMismatch = errors.New("graph fingerprint does not match checkpoint")

// Result is the outcome of a run.
type Result struct {
	RunID     string
	Completed bool
	Nodes     map[string]*NodeResult
	StartedAt time.Time
	Duration  time.Duration
}

// Output returns the output of a completed node.
func (r *Result) Output(nodeID string) (string, bool) {
	res, ok := r.Nodes[nodeID]
	if !ok || res.State != NodeStateCompleted {
		return "", false
	}
	return res.Output, true
}

// FailedNodes returns the IDs of failed nodes, sorted.
func (r *Result) FailedNodes() []string {
	var failed []string
	for id, res := range r.Nodes {
		if res.State == NodeStateFailed {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed
}

// Engine schedules graph runs.
type Engine struct {
	maxConcurrency int64
	policy         FailurePolicy
	store          CheckpointStore
	recorder       observability.Recorder
	onProgress     func(Status)
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds how many nodes run at once. Default 4.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = int64(n)
		}
	}
}

// WithFailurePolicy sets the failure policy. Default FailFast.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithCheckpointStore enables checkpoint persistence after every node.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithRecorder wires run metrics.
func WithRecorder(r observability.Recorder) Option {
	return func(e *Engine) { e.recorder = observability.ForRecorder(r) }
}

// WithProgress registers a callback invoked with a status snapshot
// after every node reaches a terminal state. Called from the scheduler
// goroutine; keep it fast.
func WithProgress(fn func(Status)) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// WithClock overrides the engine's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine with the given options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxConcurrency: 4,
		policy:         FailFast,
		recorder:       observability.Noop,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the graph from scratch. The returned Result is always
// populated; the error wraps ErrRunFailed when any node failed or the
// context was canceled.
func (e *Engine) Run(ctx context.Context, g *Graph) (*Result, error) {
	return e.execute(ctx, g, newRunState(uuid.NewString(), g))
}

// Resume continues a checkpointed run. Completed nodes keep their
// outputs and are not re-run; running and failed nodes from the
// checkpoint are re-dispatched. The graph must have the fingerprint the
// checkpoint was taken from.
func (e *Engine) Resume(ctx context.Context, g *Graph, runID string) (*Result, error) {
	if e.store == nil {
		return nil, fmt.Errorf("resume requires a checkpoint store")
	}
	cp, err := e.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for run %s: %w", runID, err)
	}
	if cp.Fingerprint != g.Fingerprint() {
		return nil, fmt.Errorf("%w: run %s", ErrFingerprintMismatch, runID)
	}

	rs := newRunState(runID, g)
	restored := 0
	for id, state := range cp.States {
		if state == NodeStateCompleted {
			rs.seedCompleted(id, cp.Outputs[id])
			restored++
		}
	}
	slog.Info("resuming workflow run",
		"run_id", runID,
		"completed_nodes", restored,
		"total_nodes", g.Len())

	return e.execute(ctx, g, rs)
}

type nodeDone struct {
	id  string
	res *NodeResult
}

func (e *Engine) execute(ctx context.Context, g *Graph, rs *runState) (*Result, error) {
	startedAt := e.now()

	// Zero-node graphs complete immediately.
	if g.Len() == 0 {
		return &Result{RunID: rs.runID, Completed: true, Nodes: map[string]*NodeResult{}, StartedAt: startedAt}, nil
	}

	grp, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(e.maxConcurrency)
	done := make(chan nodeDone)

	inFlight := 0
	stopDispatch := false
	var failures []string

	dispatch := func(id string) {
		node, _ := g.Node(id)
		inFlight++
		grp.Go(func() error {
			res := e.runNode(gctx, sem, rs, node)
			done <- nodeDone{id: id, res: res}
			if res.State == NodeStateFailed && e.policy == FailFast {
				// Cancels gctx so in-flight siblings stop early.
				return res.Err
			}
			return nil
		})
	}

	for {
		if !stopDispatch {
			for _, id := range rs.serveReady() {
				dispatch(id)
			}
		}
		if inFlight == 0 {
			break
		}

		d := <-done
		inFlight--
		res := rs.recordOutcome(d.res)
		e.recorder.RecordWorkflowNode(d.id, string(res.State))

		if res.State == NodeStateFailed {
			failures = append(failures, d.id)
			rs.skipDownstream(d.id)
			if e.policy == FailFast {
				stopDispatch = true
			}
			slog.Warn("workflow node failed",
				"run_id", rs.runID,
				"node", d.id,
				"attempts", res.Attempts,
				"error", res.Err)
		} else {
			slog.Debug("workflow node completed",
				"run_id", rs.runID,
				"node", d.id,
				"attempts", res.Attempts)
		}

		if ctx.Err() != nil {
			stopDispatch = true
		}

		e.saveCheckpoint(g, rs)
		if e.onProgress != nil {
			e.onProgress(rs.status())
		}
	}

	// The errgroup carries the first fail-fast error; completions were
	// already collected through the done channel.
	_ = grp.Wait()

	// Whatever never started is skipped, and its skip counts as
	// progress worth persisting.
	st := rs.status()
	if st.Counts[NodeStatePending] > 0 || st.Counts[NodeStateReady] > 0 {
		rs.skipRemaining()
		e.saveCheckpoint(g, rs)
		if e.onProgress != nil {
			e.onProgress(rs.status())
		}
	}

	nodes := rs.snapshot()
	completed := true
	for _, res := range nodes {
		if res.State != NodeStateCompleted {
			completed = false
			break
		}
	}

	result := &Result{
		RunID:     rs.runID,
		Completed: completed,
		Nodes:     nodes,
		StartedAt: startedAt,
		Duration:  e.now().Sub(startedAt),
	}

	if completed {
		if e.store != nil {
			if err := e.store.Delete(ctx, rs.runID); err != nil {
				slog.Warn("failed to delete checkpoint", "run_id", rs.runID, "error", err)
			}
		}
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: %v", ErrRunFailed, err)
	}
	sort.Strings(failures)
	return result, fmt.Errorf("%w: nodes [%s] failed", ErrRunFailed, strings.Join(failures, ", "))
}

// runNode acquires a concurrency slot and runs the node with its retry
// policy. A node whose slot never arrives (run shutting down) comes
// back skipped, not failed: it was never started.
func (e *Engine) runNode(ctx context.Context, sem *semaphore.Weighted, rs *runState, node *Node) *NodeResult {
	res := &NodeResult{NodeID: node.ID}

	if err := sem.Acquire(ctx, 1); err != nil {
		res.State = NodeStateSkipped
		return res
	}
	defer sem.Release(1)

	rs.transition(node.ID, NodeStateRunning)
	res.StartedAt = e.now()
	defer func() { res.FinishedAt = e.now() }()

	attempts := node.Retry.attempts()
	backoff := node.Retry.initialBackoff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt

		output, err := e.invoke(ctx, node, rs.inputFor(node, attempt))
		if err == nil {
			res.State = NodeStateCompleted
			res.Output = output
			return res
		}
		lastErr = err

		if ctx.Err() != nil || attempt == attempts {
			break
		}
		slog.Debug("workflow node attempt failed, retrying",
			"run_id", rs.runID,
			"node", node.ID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts // stop retrying
		}
		backoff *= 2
		if max := node.Retry.maxBackoff(); backoff > max {
			backoff = max
		}
	}

	res.State = NodeStateFailed
	res.Err = fmt.Errorf("node '%s' failed after %d attempt(s): %w", node.ID, res.Attempts, lastErr)
	return res
}

// invoke runs a single attempt under the node's timeout.
func (e *Engine) invoke(ctx context.Context, node *Node, in *NodeInput) (string, error) {
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}
	return node.Run(ctx, in)
}

func (e *Engine) saveCheckpoint(g *Graph, rs *runState) {
	if e.store == nil {
		return
	}
	// Saving must not inherit the run's cancellation; a canceled run
	// still needs its last checkpoint for resume.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Save(saveCtx, rs.checkpoint(g.Fingerprint(), e.now())); err != nil {
		slog.Warn("failed to save checkpoint", "run_id", rs.runID, "error", err)
	}
}
