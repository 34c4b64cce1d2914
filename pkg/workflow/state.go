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
	"fmt"
	"sync"
	"time"
)

// NodeState is the lifecycle state of a node within one run.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateReady     NodeState = "ready"
	NodeStateRunning   NodeState = "running"
	NodeStateCompleted NodeState = "completed"
	NodeStateFailed    NodeState = "failed"
	NodeStateSkipped   NodeState = "skipped"
)

// Terminal reports whether the state is final.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeStateCompleted, NodeStateFailed, NodeStateSkipped:
		return true
	}
	return false
}

// validTransitions is the node state machine. A transition outside this
// table is a scheduler bug, not an input error.
var validTransitions = map[NodeState][]NodeState{
	NodeStatePending: {NodeStateReady, NodeStateSkipped},
	NodeStateReady:   {NodeStateRunning, NodeStateSkipped},
	NodeStateRunning: {NodeStateCompleted, NodeStateFailed},
}

func transitionAllowed(from, to NodeState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NodeResult is the outcome of one node in a run.
type NodeResult struct {
	NodeID     string
	State      NodeState
	Attempts   int
	Output     string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the node ran, zero if it never started.
func (r *NodeResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status is a point-in-time snapshot of a run's progress.
type Status struct {
	RunID  string
	Total  int
	Counts map[NodeState]int
}

// Done returns the number of nodes in a terminal state.
func (s Status) Done() int {
	return s.Counts[NodeStateCompleted] + s.Counts[NodeStateFailed] + s.Counts[NodeStateSkipped]
}

// runState tracks per-node state for one run under a single mutex.
type runState struct {
	mu      sync.Mutex
	runID   string
	graph   *Graph
	results map[string]*NodeResult
}

func newRunState(runID string, g *Graph) *runState {
	rs := &runState{
		runID:   runID,
		graph:   g,
		results: make(map[string]*NodeResult, g.Len()),
	}
	for _, id := range g.NodeIDs() {
		rs.results[id] = &NodeResult{NodeID: id, State: NodeStatePending}
	}
	return rs
}

// transition moves a node to the given state, panicking on a transition
// the state machine does not allow.
func (rs *runState) transition(id string, to NodeState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.transitionLocked(id, to)
}

func (rs *runState) transitionLocked(id string, to NodeState) {
	res, ok := rs.results[id]
	if !ok {
		panic(fmt.Sprintf("workflow: transition of unknown node '%s'", id))
	}
	if !transitionAllowed(res.State, to) {
		panic(fmt.Sprintf("workflow: invalid transition %s -> %s for node '%s'", res.State, to, id))
	}
	res.State = to
}

func (rs *runState) state(id string) NodeState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.results[id].State
}

// serveReady transitions every dispatchable pending node to ready and
// returns them. A node is dispatchable when all dependencies completed.
func (rs *runState) serveReady() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var ready []string
	for _, id := range rs.graph.NodeIDs() {
		if rs.results[id].State != NodeStatePending {
			continue
		}
		node, _ := rs.graph.Node(id)
		dispatchable := true
		for _, dep := range node.DependsOn {
			if rs.results[dep].State != NodeStateCompleted {
				dispatchable = false
				break
			}
		}
		if dispatchable {
			rs.transitionLocked(id, NodeStateReady)
			ready = append(ready, id)
		}
	}
	return ready
}

// recordOutcome merges a finished node's result and returns the stored
// entry.
func (rs *runState) recordOutcome(out *NodeResult) *NodeResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	res := rs.results[out.NodeID]
	rs.transitionLocked(out.NodeID, out.State)
	res.Attempts = out.Attempts
	res.Output = out.Output
	res.Err = out.Err
	res.StartedAt = out.StartedAt
	res.FinishedAt = out.FinishedAt
	return res
}

// skipDownstream marks every transitive dependent of id that has not
// started as skipped.
func (rs *runState) skipDownstream(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	queue := append([]string(nil), rs.graph.Dependents(id)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		res := rs.results[next]
		if res.State != NodeStatePending && res.State != NodeStateReady {
			continue
		}
		rs.transitionLocked(next, NodeStateSkipped)
		queue = append(queue, rs.graph.Dependents(next)...)
	}
}

// skipRemaining marks every node that has not started as skipped. Used
// when dispatch stops early (fail-fast, canceled context).
func (rs *runState) skipRemaining() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, res := range rs.results {
		if res.State == NodeStatePending || res.State == NodeStateReady {
			rs.transitionLocked(res.NodeID, NodeStateSkipped)
		}
	}
}

// seedCompleted marks a node completed without running it. Used by
// Resume to restore checkpointed work.
func (rs *runState) seedCompleted(id, output string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	res, ok := rs.results[id]
	if !ok {
		return
	}
	res.State = NodeStateCompleted
	res.Output = output
}

// inputFor assembles the NodeInput for a node from its dependencies'
// outputs.
func (rs *runState) inputFor(node *Node, attempt int) *NodeInput {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	outputs := make(map[string]string, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		outputs[dep] = rs.results[dep].Output
	}
	return &NodeInput{
		RunID:    rs.runID,
		NodeID:   node.ID,
		Attempt:  attempt,
		Outputs:  outputs,
		Metadata: node.Metadata,
	}
}

// status returns a snapshot of the run.
func (rs *runState) status() Status {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	counts := make(map[NodeState]int)
	for _, res := range rs.results {
		counts[res.State]++
	}
	return Status{RunID: rs.runID, Total: len(rs.results), Counts: counts}
}

// snapshot copies all node results.
func (rs *runState) snapshot() map[string]*NodeResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	out := make(map[string]*NodeResult, len(rs.results))
	for id, res := range rs.results {
		cp := *res
		out[id] = &cp
	}
	return out
}

// checkpoint captures the run for persistence.
func (rs *runState) checkpoint(fingerprint string, now time.Time) *Checkpoint {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	cp := &Checkpoint{
		RunID:       rs.runID,
		Fingerprint: fingerprint,
		States:      make(map[string]NodeState, len(rs.results)),
		Outputs:     make(map[string]string),
		UpdatedAt:   now,
	}
	for id, res := range rs.results {
		cp.States[id] = res.State
		if res.State == NodeStateCompleted {
			cp.Outputs[id] = res.Output
		}
	}
	return cp
}
