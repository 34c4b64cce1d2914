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
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and the metrics instruments for one
// process. Construct it with NewManager, call Initialize once at
// startup, and Shutdown on the way out. All accessors are safe before
// Initialize; they hand out no-op implementations.
type Manager struct {
	cfg            Config
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

// NewManager returns an uninitialized manager for cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize builds the tracer provider and metric instruments. It also
// installs the global tracer provider and propagators when tracing is
// enabled.
func (m *Manager) Initialize(ctx context.Context) error {
	tp, err := newTracerProvider(ctx, m.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	m.tracerProvider = tp

	metrics, err := newMetrics(m.cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	m.metrics = metrics
	return nil
}

// Tracer returns a named tracer from the manager's provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Recorder returns the metrics recorder. When metrics are disabled or
// the manager is not initialized the shared Noop recorder is returned,
// so callers never need a nil check.
func (m *Manager) Recorder() Recorder {
	if !m.metrics.enabled() {
		return Noop
	}
	return m.metrics
}

// Metrics exposes the underlying instrument set for the HTTP
// middleware. May return a disabled (no-op) instance.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsHandler returns the exposition endpoint handler.
func (m *Manager) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

// Shutdown flushes spans and metrics. Both components are shut down
// even if one fails.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if sd, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		errs = append(errs, sd.Shutdown(ctx))
	}
	if m.metrics != nil {
		errs = append(errs, m.metrics.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
