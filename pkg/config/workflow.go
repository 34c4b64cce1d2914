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

package config

import (
	"fmt"
	"time"
)

// WorkflowConfig is a named workflow engine profile.
type WorkflowConfig struct {
	// MaxConcurrency bounds how many nodes run at once.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// FailurePolicy is fail_fast (default) or continue.
	FailurePolicy string `yaml:"failure_policy,omitempty" json:"failure_policy,omitempty"`

	// NodeTimeout bounds a single node attempt.
	NodeTimeout time.Duration `yaml:"node_timeout,omitempty" json:"node_timeout,omitempty"`

	// Retry applies to every node.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Checkpoint persists node results during execution.
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
}

// RetryConfig controls per-node retries.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty" json:"initial_backoff,omitempty"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
}

// CheckpointConfig persists workflow run state.
type CheckpointConfig struct {
	// Enabled turns checkpointing on.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Database references a configured SQL connection. Empty keeps
	// checkpoints in memory.
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
}

// SetDefaults applies default values.
func (c *WorkflowConfig) SetDefaults() {
	if c.FailurePolicy == "" {
		c.FailurePolicy = "fail_fast"
	}
}

// Validate checks the workflow profile.
func (c *WorkflowConfig) Validate() error {
	switch c.FailurePolicy {
	case "fail_fast", "continue":
	default:
		return fmt.Errorf("unknown failure_policy '%s' (valid: fail_fast, continue)", c.FailurePolicy)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	if c.NodeTimeout < 0 {
		return fmt.Errorf("node_timeout must not be negative, got %s", c.NodeTimeout)
	}
	if c.Retry != nil {
		if c.Retry.MaxAttempts < 0 {
			return fmt.Errorf("retry max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
		}
		if c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0 {
			return fmt.Errorf("retry backoffs must not be negative")
		}
	}
	return nil
}
