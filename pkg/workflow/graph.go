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

// Package workflow executes dependency graphs of named nodes.
//
// A Graph is built once through a Builder, which rejects duplicate
// nodes, unknown dependencies and cycles. The Engine schedules ready
// nodes under bounded concurrency, retries failures per node policy,
// and persists a checkpoint after every node so an interrupted run can
// be resumed without re-running completed work.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RunnerFunc executes one node. It receives the outputs of the node's
// completed dependencies and returns the node's own output.
type RunnerFunc func(ctx context.Context, in *NodeInput) (string, error)

// NodeInput is what a node sees when it runs.
type NodeInput struct {
	RunID   string
	NodeID  string
	Attempt int

	// Outputs holds the output of every completed dependency, keyed by
	// node ID.
	Outputs map[string]string

	Metadata map[string]string
}

// RetryPolicy controls per-node retries. The zero value means a single
// attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	// Defaults to 500ms when retries are enabled.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to 30s.
	MaxBackoff time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) initialBackoff() time.Duration {
	if p.InitialBackoff <= 0 {
		return 500 * time.Millisecond
	}
	return p.InitialBackoff
}

func (p RetryPolicy) maxBackoff() time.Duration {
	if p.MaxBackoff <= 0 {
		return 30 * time.Second
	}
	return p.MaxBackoff
}

// Node is one unit of work in a graph.
type Node struct {
	// ID must be unique within the graph.
	ID string

	// DependsOn lists node IDs that must complete before this node runs.
	DependsOn []string

	// Run executes the node. Required.
	Run RunnerFunc

	// Retry controls retries on failure.
	Retry RetryPolicy

	// Timeout bounds a single attempt. Zero means no limit beyond the
	// run context.
	Timeout time.Duration

	// Metadata is passed through to the node's NodeInput.
	Metadata map[string]string
}

// Graph is a validated, immutable dependency graph.
type Graph struct {
	nodes       map[string]*Node
	order       []string // topological
	dependents  map[string][]string
	fingerprint string
}

// Builder assembles a Graph.
type Builder struct {
	nodes []Node
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddNode appends a node. Validation happens in Build.
func (b *Builder) AddNode(n Node) *Builder {
	b.nodes = append(b.nodes, n)
	return b
}

// Len returns the number of nodes added so far.
func (b *Builder) Len() int {
	return len(b.nodes)
}

// Build validates the accumulated nodes and returns the graph.
// It rejects empty IDs, missing runners, duplicate IDs, dependencies on
// unknown nodes, self-dependencies and cycles.
func (b *Builder) Build() (*Graph, error) {
	nodes := make(map[string]*Node, len(b.nodes))
	for i := range b.nodes {
		n := b.nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d: id is required", i)
		}
		if n.Run == nil {
			return nil, fmt.Errorf("node '%s': runner is required", n.ID)
		}
		if _, exists := nodes[n.ID]; exists {
			return nil, fmt.Errorf("duplicate node '%s'", n.ID)
		}
		nodes[n.ID] = &n
	}

	for _, n := range nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return nil, fmt.Errorf("node '%s' depends on itself", n.ID)
			}
			if _, exists := nodes[dep]; !exists {
				return nil, fmt.Errorf("node '%s' depends on unknown node '%s'", n.ID, dep)
			}
			if seen[dep] {
				return nil, fmt.Errorf("node '%s' lists dependency '%s' twice", n.ID, dep)
			}
			seen[dep] = true
		}
	}

	order, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	dependents := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	return &Graph{
		nodes:       nodes,
		order:       order,
		dependents:  dependents,
		fingerprint: fingerprint(nodes),
	}, nil
}

// topoSort runs Kahn's algorithm; leftover nodes mean a cycle.
func topoSort(nodes map[string]*Node) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] = len(n.DependsOn)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	dependents := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("cycle detected involving nodes: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

// fingerprint hashes the graph's structure: sorted "id->deps" lines.
// Runners and policies are not part of the identity; resume only needs
// the shape to match.
func fingerprint(nodes map[string]*Node) string {
	lines := make([]string, 0, len(nodes))
	for id, n := range nodes {
		deps := append([]string(nil), n.DependsOn...)
		sort.Strings(deps)
		lines = append(lines, id+"->"+strings.Join(deps, ","))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies the graph's structure. Two graphs with the
// same nodes and dependencies share a fingerprint.
func (g *Graph) Fingerprint() string {
	return g.fingerprint
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in topological order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Dependents returns the IDs of nodes that depend directly on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}
