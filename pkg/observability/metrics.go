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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the Prometheus-backed Recorder. Instruments are created
// through the OTel metric API and exported on a private registry, so
// the process default registry stays untouched. A zero Metrics (from a
// disabled config) records nothing and serves 503 on its handler.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	agentRunDuration  metric.Float64Histogram
	agentRuns         metric.Int64Counter
	modelCallDuration metric.Float64Histogram
	modelCalls        metric.Int64Counter
	modelTokens       metric.Int64Counter
	toolCallDuration  metric.Float64Histogram
	toolCalls         metric.Int64Counter
	workflowNodes     metric.Int64Counter
	poolAdmissions    metric.Int64Counter
	poolLeases        metric.Int64Gauge
	poolWaiters       metric.Int64Gauge
	healthTransitions metric.Int64Counter

	httpDuration      metric.Float64Histogram
	httpRequests      metric.Int64Counter
	httpRequestBytes  metric.Int64Counter
	httpResponseBytes metric.Int64Counter
}

// newMetrics builds the instrument set for an enabled config.
func newMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("ensemble")

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	gauge := func(name, desc string) metric.Int64Gauge {
		g, err := meter.Int64Gauge(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return g
	}

	m := &Metrics{
		provider: provider,
		registry: registry,

		agentRunDuration:  histogram("agent_run_duration_seconds", "Agent run duration in seconds"),
		agentRuns:         counter("agent_runs_total", "Completed agent runs"),
		modelCallDuration: histogram("model_call_duration_seconds", "Model call duration in seconds"),
		modelCalls:        counter("model_calls_total", "Completed model calls"),
		modelTokens:       counter("model_tokens_total", "Tokens exchanged with models"),
		toolCallDuration:  histogram("tool_call_duration_seconds", "Tool call duration in seconds"),
		toolCalls:         counter("tool_calls_total", "Completed tool calls"),
		workflowNodes:     counter("workflow_nodes_total", "Workflow nodes by terminal state"),
		poolAdmissions:    counter("pool_admissions_total", "Pool acquire outcomes"),
		poolLeases:        gauge("pool_leases", "Leases in use per endpoint"),
		poolWaiters:       gauge("pool_waiters", "Callers queued per endpoint"),
		healthTransitions: counter("pool_health_transitions_total", "Endpoint health state changes"),

		httpDuration:      histogram("http_request_duration_seconds", "HTTP request duration in seconds"),
		httpRequests:      counter("http_requests_total", "HTTP requests served"),
		httpRequestBytes:  counter("http_request_bytes_total", "HTTP request bytes received"),
		httpResponseBytes: counter("http_response_bytes_total", "HTTP response bytes sent"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.provider != nil
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "ok")
}

// RecordAgentRun implements Recorder.
func (m *Metrics) RecordAgentRun(agentName string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	agent := attribute.String("agent", agentName)
	m.agentRunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(agent))
	m.agentRuns.Add(ctx, 1, metric.WithAttributes(agent, statusAttr(err)))
}

// RecordModelCall implements Recorder.
func (m *Metrics) RecordModelCall(modelName string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	model := attribute.String("model", modelName)
	m.modelCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(model))
	m.modelCalls.Add(ctx, 1, metric.WithAttributes(model, statusAttr(err)))
}

// RecordModelTokens implements Recorder.
func (m *Metrics) RecordModelTokens(modelName string, promptTokens, completionTokens int) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	model := attribute.String("model", modelName)
	m.modelTokens.Add(ctx, int64(promptTokens),
		metric.WithAttributes(model, attribute.String("direction", "input")))
	m.modelTokens.Add(ctx, int64(completionTokens),
		metric.WithAttributes(model, attribute.String("direction", "output")))
}

// RecordToolCall implements Recorder.
func (m *Metrics) RecordToolCall(toolName string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	tool := attribute.String("tool", toolName)
	m.toolCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(tool))
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(tool, statusAttr(err)))
}

// RecordWorkflowNode implements Recorder.
func (m *Metrics) RecordWorkflowNode(nodeID, state string) {
	if !m.enabled() {
		return
	}
	m.workflowNodes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node", nodeID),
		attribute.String("state", state),
	))
}

// RecordPoolAdmission implements Recorder.
func (m *Metrics) RecordPoolAdmission(endpoint, outcome string) {
	if !m.enabled() {
		return
	}
	m.poolAdmissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// SetPoolLeases implements Recorder.
func (m *Metrics) SetPoolLeases(endpoint string, inUse, waiters int) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	ep := metric.WithAttributes(attribute.String("endpoint", endpoint))
	m.poolLeases.Record(ctx, int64(inUse), ep)
	m.poolWaiters.Record(ctx, int64(waiters), ep)
}

// RecordHealthTransition implements Recorder.
func (m *Metrics) RecordHealthTransition(endpoint, from, to string) {
	if !m.enabled() {
		return
	}
	m.healthTransitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordHTTPRequest records one served HTTP request. Used by the server
// middleware; not part of the Recorder interface domain components see.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	if !m.enabled() {
		return
	}
	ctx := context.Background()
	route := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(statusCode)),
	))
	m.httpDuration.Record(ctx, duration.Seconds(), route)
	m.httpRequestBytes.Add(ctx, reqSize, route)
	m.httpResponseBytes.Add(ctx, respSize, route)
}

// Handler serves the Prometheus exposition endpoint. Disabled metrics
// serve 503 so probes can tell the difference from an empty registry.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

var _ Recorder = (*Metrics)(nil)
