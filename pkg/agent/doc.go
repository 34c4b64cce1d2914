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

// Package agent defines the core agent abstraction of Ensemble.
//
// An Agent is a named unit of work that consumes an InvocationContext and
// produces a stream of Events:
//
//	type Agent interface {
//	    Name() string
//	    Description() string
//	    Run(ctx InvocationContext) iter.Seq2[*Event, error]
//	    SubAgents() []Agent
//	}
//
// Agents compose into trees. Composition agents (sequential, parallel, loop)
// live in the workflowagent subpackage, LLM-backed agents in llmagent, and
// remote A2A agents in remoteagent. Use New to build a custom agent from a
// Config with a Run function and optional lifecycle callbacks.
//
// Events carry A2A message payloads plus Actions (state deltas, transfer,
// escalation, input requests) that the runner and composition agents react
// to. Event branches identify the position of the producing agent in the
// tree and use "." as the only delimiter; see JoinBranch.
package agent
