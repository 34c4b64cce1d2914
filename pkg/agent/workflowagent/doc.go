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

// Package workflowagent provides composition agents that orchestrate
// sub-agents in fixed patterns: sequential pipelines, parallel fan-out,
// and bounded loops.
//
// Each sub-agent runs with a branch extended by its own name
// (agent.JoinBranch), so parallel siblings stay isolated from each other's
// event history while sequential stages see their predecessors' output.
//
// A sub-agent event carrying Actions.Escalate stops the enclosing loop
// after the event is delivered. Sequential is a loop with exactly one
// iteration.
package workflowagent
