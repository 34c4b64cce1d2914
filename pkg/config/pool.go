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

// PoolConfig tunes the shared client pool used by remote agents.
type PoolConfig struct {
	// MaxLeasesPerEndpoint caps concurrent leases per endpoint.
	MaxLeasesPerEndpoint int `yaml:"max_leases_per_endpoint,omitempty" json:"max_leases_per_endpoint,omitempty"`

	// MaxWaiters caps callers queued for a lease on one endpoint.
	MaxWaiters int `yaml:"max_waiters,omitempty" json:"max_waiters,omitempty"`

	// IdleTTL evicts endpoints with no leases and no waiters.
	IdleTTL time.Duration `yaml:"idle_ttl,omitempty" json:"idle_ttl,omitempty"`

	// Health configures endpoint probing.
	Health HealthConfig `yaml:"health,omitempty" json:"health,omitempty"`
}

// HealthConfig configures pool endpoint probing.
type HealthConfig struct {
	// Interval between probes of a reachable endpoint.
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Timeout bounds a single probe.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// FailureThreshold is the consecutive failures before an endpoint
	// is marked down.
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`

	// MaxBackoff caps the probe backoff for a down endpoint.
	MaxBackoff time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`

	// Disabled turns probing off.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// SetDefaults applies default values. The pool itself re-applies the
// same defaults for zero values, so these exist mainly to make the
// effective settings visible through the schema endpoint.
func (c *PoolConfig) SetDefaults() {
	if c.MaxLeasesPerEndpoint == 0 {
		c.MaxLeasesPerEndpoint = 4
	}
	if c.MaxWaiters == 0 {
		c.MaxWaiters = 16
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.MaxBackoff == 0 {
		c.Health.MaxBackoff = 5 * time.Minute
	}
}

// Validate checks the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.MaxLeasesPerEndpoint < 0 {
		return fmt.Errorf("max_leases_per_endpoint must not be negative, got %d", c.MaxLeasesPerEndpoint)
	}
	if c.MaxWaiters < 0 {
		return fmt.Errorf("max_waiters must not be negative, got %d", c.MaxWaiters)
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must not be negative, got %s", c.IdleTTL)
	}
	if c.Health.Interval < 0 {
		return fmt.Errorf("health interval must not be negative, got %s", c.Health.Interval)
	}
	if c.Health.Timeout < 0 {
		return fmt.Errorf("health timeout must not be negative, got %s", c.Health.Timeout)
	}
	if c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health failure_threshold must not be negative, got %d", c.Health.FailureThreshold)
	}
	if c.Health.MaxBackoff < 0 {
		return fmt.Errorf("health max_backoff must not be negative, got %s", c.Health.MaxBackoff)
	}
	return nil
}
