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

// Package ensemble is a declarative multi-agent orchestration platform
// built on the A2A protocol.
//
// Agents, models, tools, and orchestrators are described in YAML and
// served over A2A JSON-RPC; every agent is addressable by other A2A
// clients, and remote A2A agents mount into the local tree like any
// other sub-agent.
//
// # Quick start
//
// Install the CLI:
//
//	go install github.com/ensembleworks/ensemble/cmd/ensemble@latest
//
// Describe an agent:
//
//	models:
//	  default:
//	    type: gemini
//	    model: gemini-2.0-flash
//	    api_key: ${GEMINI_API_KEY}
//
//	agents:
//	  assistant:
//	    model: default
//	    instruction: "You are a helpful assistant."
//
// Serve and call it:
//
//	ensemble serve -c config.yaml
//	ensemble call http://localhost:8080/agents/assistant "hello"
//
// The packages under pkg/ are usable as a library: pkg/agent defines the
// agent tree and event model, pkg/runner drives turns against sessions,
// pkg/orchestrator assembles multi-agent topologies, and pkg/server
// exposes any agent over A2A.
package ensemble
