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

package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensembleworks/ensemble/pkg/observability"
)

// State is an endpoint's health as seen by the checker.
type State string

const (
	// StateHealthy means the last probe succeeded.
	StateHealthy State = "healthy"

	// StateDegraded means probes are failing but the failure threshold
	// has not been reached. Admission continues.
	StateDegraded State = "degraded"

	// StateDown means the failure threshold was reached. Acquire fails
	// fast until the next probe is due.
	StateDown State = "down"
)

// ProbeFunc checks one endpoint. A nil error is a healthy probe.
type ProbeFunc func(ctx context.Context, endpoint string) error

// HealthCheckConfig configures the pool's endpoint probing.
type HealthCheckConfig struct {
	// Interval between probes of a reachable endpoint. Default: 30s.
	Interval time.Duration

	// Timeout bounds a single probe. Default: 5s.
	Timeout time.Duration

	// FailureThreshold is the consecutive probe failures after which an
	// endpoint is marked down. Failures below the threshold mark it
	// degraded. Default: 3.
	FailureThreshold int

	// MaxBackoff caps the probe backoff while an endpoint is down. The
	// backoff starts at Interval and doubles per failed probe.
	// Default: 5m.
	MaxBackoff time.Duration

	// Disabled turns probing off; every endpoint stays healthy.
	Disabled bool
}

func (c HealthCheckConfig) validate() error {
	if c.Interval < 0 {
		return fmt.Errorf("health check interval must not be negative, got %s", c.Interval)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("health check timeout must not be negative, got %s", c.Timeout)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("health check failure threshold must not be negative, got %d", c.FailureThreshold)
	}
	if c.MaxBackoff < 0 {
		return fmt.Errorf("health check max backoff must not be negative, got %s", c.MaxBackoff)
	}
	return nil
}

func (c HealthCheckConfig) withDefaults() HealthCheckConfig {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// HealthChecker drives the healthy/degraded/down state machine from probe
// results. The pool's maintenance loop feeds it due endpoints; dial
// outcomes feed it directly.
type HealthChecker struct {
	cfg     HealthCheckConfig
	probe   ProbeFunc
	metrics observability.Recorder
	logger  *slog.Logger
}

// NewHealthChecker creates a checker with the given probe.
func NewHealthChecker(cfg HealthCheckConfig, probe ProbeFunc, metrics observability.Recorder, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		cfg:     cfg.withDefaults(),
		probe:   probe,
		metrics: observability.ForRecorder(metrics),
		logger:  logger,
	}
}

// checkDue probes ep when its next probe time has passed.
func (h *HealthChecker) checkDue(ctx context.Context, ep *endpoint, now time.Time) {
	ep.mu.Lock()
	due := !now.Before(ep.nextProbe)
	ep.mu.Unlock()
	if !due {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	err := h.probe(probeCtx, ep.url)
	cancel()
	h.record(ep, err, now)
}

// record applies one probe or dial outcome to ep's state machine.
func (h *HealthChecker) record(ep *endpoint, err error, now time.Time) {
	ep.mu.Lock()
	from := ep.health

	if err == nil {
		ep.failures = 0
		ep.backoff = h.cfg.Interval
		ep.health = StateHealthy
		ep.nextProbe = now.Add(h.cfg.Interval)
	} else {
		ep.failures++
		switch {
		case ep.health == StateDown:
			ep.backoff = min(ep.backoff*2, h.cfg.MaxBackoff)
			ep.nextProbe = now.Add(ep.backoff)
		case ep.failures >= h.cfg.FailureThreshold:
			ep.health = StateDown
			ep.backoff = min(h.cfg.Interval*2, h.cfg.MaxBackoff)
			ep.nextProbe = now.Add(ep.backoff)
		default:
			ep.health = StateDegraded
			ep.nextProbe = now.Add(h.cfg.Interval)
		}
	}

	to := ep.health
	failures := ep.failures
	ep.mu.Unlock()

	if from == to {
		return
	}
	h.metrics.RecordHealthTransition(ep.url, string(from), string(to))
	switch to {
	case StateHealthy:
		h.logger.Info("Endpoint recovered", "endpoint", ep.url)
	case StateDegraded:
		h.logger.Warn("Endpoint degraded", "endpoint", ep.url, "failures", failures, "error", err)
	case StateDown:
		h.logger.Warn("Endpoint marked down", "endpoint", ep.url, "failures", failures, "error", err)
	}
}
