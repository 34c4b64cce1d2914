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

package tool

import (
	"github.com/ensembleworks/ensemble/pkg/agent"
)

type toolContext struct {
	agent.CallbackContext
	functionCallID string
	actions        *agent.EventActions
}

// NewContext builds the execution context for one tool invocation. The
// actions pointer is shared with the event under construction so flags a
// tool sets reach the emitted event. Passing nil allocates a detached
// actions value, which tests use.
func NewContext(cb agent.CallbackContext, functionCallID string, actions *agent.EventActions) Context {
	if actions == nil {
		actions = &agent.EventActions{StateDelta: map[string]any{}}
	}
	return &toolContext{
		CallbackContext: cb,
		functionCallID:  functionCallID,
		actions:         actions,
	}
}

func (c *toolContext) FunctionCallID() string { return c.functionCallID }

func (c *toolContext) Actions() *agent.EventActions { return c.actions }

var _ Context = (*toolContext)(nil)
