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

package observability

import (
	"time"
)

// Recorder receives domain metrics from agents, models, tools, the
// workflow engine, and the connection pool. Implementations must be safe
// for concurrent use. Components accept a Recorder so metrics can be
// injected without coupling to the OTel manager; ForRecorder maps nil to
// a no-op.
type Recorder interface {
	// RecordAgentRun records one completed agent invocation.
	RecordAgentRun(agentName string, duration time.Duration, err error)

	// RecordModelCall records one LLM generate call.
	RecordModelCall(modelName string, duration time.Duration, err error)

	// RecordModelTokens records token usage for one LLM call.
	RecordModelTokens(modelName string, promptTokens, completionTokens int)

	// RecordToolCall records one tool execution.
	RecordToolCall(toolName string, duration time.Duration, err error)

	// RecordWorkflowNode records a workflow node reaching a terminal state.
	RecordWorkflowNode(graphID, state string)

	// RecordPoolAdmission records the outcome of a pool acquire attempt.
	// Outcome is one of "admitted", "queued", "rejected", "down".
	RecordPoolAdmission(endpoint, outcome string)

	// SetPoolLeases reports the current lease and waiter counts for an
	// endpoint.
	SetPoolLeases(endpoint string, inUse, waiters int)

	// RecordHealthTransition records an endpoint health state change.
	RecordHealthTransition(endpoint, from, to string)
}

// Noop is a Recorder that discards everything.
var Noop Recorder = noopRecorder{}

type noopRecorder struct{}

func (noopRecorder) RecordAgentRun(string, time.Duration, error)   {}
func (noopRecorder) RecordModelCall(string, time.Duration, error)  {}
func (noopRecorder) RecordModelTokens(string, int, int)            {}
func (noopRecorder) RecordToolCall(string, time.Duration, error)   {}
func (noopRecorder) RecordWorkflowNode(string, string)             {}
func (noopRecorder) RecordPoolAdmission(string, string)            {}
func (noopRecorder) SetPoolLeases(string, int, int)                {}
func (noopRecorder) RecordHealthTransition(string, string, string) {}

// ForRecorder returns r, or Noop when r is nil. Callers use it to avoid
// nil checks at every record site.
func ForRecorder(r Recorder) Recorder {
	if r == nil {
		return Noop
	}
	return r
}
