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
	"strings"
	"testing"
)

func noopRunner(ctx context.Context, in *NodeInput) (string, error) {
	return "", nil
}

func TestBuilder_Build(t *testing.T) {
	g, err := NewBuilder().
		AddNode(Node{ID: "fetch", Run: noopRunner}).
		AddNode(Node{ID: "analyze", DependsOn: []string{"fetch"}, Run: noopRunner}).
		AddNode(Node{ID: "summarize", DependsOn: []string{"fetch"}, Run: noopRunner}).
		AddNode(Node{ID: "report", DependsOn: []string{"analyze", "summarize"}, Run: noopRunner}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if g.Len() != 4 {
		t.Errorf("Len() = %d, want 4", g.Len())
	}

	order := g.NodeIDs()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range order {
		node, ok := g.Node(id)
		if !ok {
			t.Fatalf("Node(%q) missing", id)
		}
		for _, dep := range node.DependsOn {
			if pos[dep] >= pos[id] {
				t.Errorf("node %q appears before its dependency %q", id, dep)
			}
		}
	}
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		wantErr string
	}{
		{
			name:    "empty_id",
			nodes:   []Node{{Run: noopRunner}},
			wantErr: "id is required",
		},
		{
			name:    "missing_runner",
			nodes:   []Node{{ID: "a"}},
			wantErr: "runner is required",
		},
		{
			name:    "duplicate_node",
			nodes:   []Node{{ID: "a", Run: noopRunner}, {ID: "a", Run: noopRunner}},
			wantErr: "duplicate node 'a'",
		},
		{
			name:    "unknown_dependency",
			nodes:   []Node{{ID: "a", DependsOn: []string{"ghost"}, Run: noopRunner}},
			wantErr: "unknown node 'ghost'",
		},
		{
			name:    "self_dependency",
			nodes:   []Node{{ID: "a", DependsOn: []string{"a"}, Run: noopRunner}},
			wantErr: "depends on itself",
		},
		{
			name: "duplicate_dependency",
			nodes: []Node{
				{ID: "a", Run: noopRunner},
				{ID: "b", DependsOn: []string{"a", "a"}, Run: noopRunner},
			},
			wantErr: "twice",
		},
		{
			name: "cycle",
			nodes: []Node{
				{ID: "a", DependsOn: []string{"c"}, Run: noopRunner},
				{ID: "b", DependsOn: []string{"a"}, Run: noopRunner},
				{ID: "c", DependsOn: []string{"b"}, Run: noopRunner},
			},
			wantErr: "cycle detected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			for _, n := range tt.nodes {
				b.AddNode(n)
			}
			_, err := b.Build()
			if err == nil {
				t.Fatal("Build() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Build() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint_Stability(t *testing.T) {
	build := func(ids ...string) *Graph {
		b := NewBuilder().AddNode(Node{ID: "root", Run: noopRunner})
		for _, id := range ids {
			b.AddNode(Node{ID: id, DependsOn: []string{"root"}, Run: noopRunner})
		}
		g, err := b.Build()
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		return g
	}

	g1 := build("a", "b")
	g2 := build("b", "a")
	if g1.Fingerprint() != g2.Fingerprint() {
		t.Error("same structure in different insertion order should share a fingerprint")
	}

	g3 := build("a", "c")
	if g1.Fingerprint() == g3.Fingerprint() {
		t.Error("different node sets should not share a fingerprint")
	}

	// Same nodes, different edges.
	g4, err := NewBuilder().
		AddNode(Node{ID: "root", Run: noopRunner}).
		AddNode(Node{ID: "a", DependsOn: []string{"root"}, Run: noopRunner}).
		AddNode(Node{ID: "b", DependsOn: []string{"a"}, Run: noopRunner}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if g1.Fingerprint() == g4.Fingerprint() {
		t.Error("different edges should not share a fingerprint")
	}
}

func TestGraph_Dependents(t *testing.T) {
	g, err := NewBuilder().
		AddNode(Node{ID: "a", Run: noopRunner}).
		AddNode(Node{ID: "b", DependsOn: []string{"a"}, Run: noopRunner}).
		AddNode(Node{ID: "c", DependsOn: []string{"a"}, Run: noopRunner}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Fatalf("Dependents(a) = %v, want 2 entries", deps)
	}
	if g.Dependents("b") != nil && len(g.Dependents("b")) != 0 {
		t.Errorf("Dependents(b) = %v, want none", g.Dependents("b"))
	}
}

func TestNodeState_Terminal(t *testing.T) {
	terminal := []NodeState{NodeStateCompleted, NodeStateFailed, NodeStateSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []NodeState{NodeStatePending, NodeStateReady, NodeStateRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestRunState_InvalidTransitionPanics(t *testing.T) {
	g, err := NewBuilder().AddNode(Node{ID: "a", Run: noopRunner}).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	rs := newRunState("run-1", g)

	defer func() {
		if recover() == nil {
			t.Error("transition pending -> completed should panic")
		}
	}()
	rs.transition("a", NodeStateCompleted)
}
