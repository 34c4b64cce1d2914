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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.Equal(t, "ensemble", cfg.Tracing.ServiceName)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, 10*time.Second, cfg.Tracing.Timeout)

	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "ensemble", cfg.Metrics.Namespace)
}

func TestTracingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TracingConfig
		wantErr string
	}{
		{
			name: "disabled_skips_validation",
			cfg:  TracingConfig{Exporter: "bogus"},
		},
		{
			name:    "unknown_exporter",
			cfg:     TracingConfig{Enabled: true, Exporter: "jaeger"},
			wantErr: "invalid exporter",
		},
		{
			name:    "otlp_requires_endpoint",
			cfg:     TracingConfig{Enabled: true, Exporter: "otlp", SamplingRate: 1},
			wantErr: "endpoint is required",
		},
		{
			name:    "sampling_rate_above_one",
			cfg:     TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1.5},
			wantErr: "sampling_rate must be between 0 and 1",
		},
		{
			name:    "sampling_rate_negative",
			cfg:     TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: -0.1},
			wantErr: "sampling_rate must be between 0 and 1",
		},
		{
			name: "valid_otlp",
			cfg:  TracingConfig{Enabled: true, Exporter: "otlp", Endpoint: "collector:4317", SamplingRate: 0.5},
		},
		{
			name: "valid_stdout",
			cfg:  TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigValidateWrapsSection(t *testing.T) {
	cfg := Config{
		Tracing: TracingConfig{Enabled: true, Exporter: "jaeger"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing:")
}

func TestDisabledMetricsAreSafe(t *testing.T) {
	m, err := newMetrics(MetricsConfig{})
	require.NoError(t, err)

	m.RecordAgentRun("assistant", 100*time.Millisecond, nil)
	m.RecordModelCall("gemini-2.0-flash", 200*time.Millisecond, errors.New("boom"))
	m.RecordModelTokens("gemini-2.0-flash", 100, 50)
	m.RecordToolCall("search", 50*time.Millisecond, nil)
	m.RecordWorkflowNode("plan", "completed")
	m.RecordPoolAdmission("http://host:8080", "admitted")
	m.SetPoolLeases("http://host:8080", 2, 1)
	m.RecordHealthTransition("http://host:8080", "healthy", "degraded")
	m.RecordHTTPRequest("POST", "/agents/assistant", 200, time.Millisecond, 10, 20)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "metrics not enabled")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordAgentRun("assistant", time.Millisecond, nil)
	m.SetPoolLeases("endpoint", 0, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEnabledMetricsServePrometheus(t *testing.T) {
	m, err := newMetrics(MetricsConfig{Enabled: true, Namespace: "ensemble"})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown(context.Background()))
	}()

	m.RecordAgentRun("assistant", 100*time.Millisecond, nil)
	m.RecordAgentRun("assistant", 150*time.Millisecond, errors.New("boom"))
	m.RecordModelTokens("gemini-2.0-flash", 100, 50)
	m.RecordPoolAdmission("http://host:8080", "queued")
	m.SetPoolLeases("http://host:8080", 3, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "ensemble_")
	assert.Contains(t, body, "agent_runs")
	assert.Contains(t, body, "model_tokens")
	assert.Contains(t, body, "pool_leases")
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	m, err := newMetrics(MetricsConfig{Enabled: true, Namespace: "ensemble"})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, m.Shutdown(context.Background()))
	}()

	handler := HTTPMiddleware(nil, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), "http_requests")
}

func TestResponseWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}

	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusOK, rw.statusCode)
	assert.Equal(t, int64(5), rw.bytesWritten)
}

func TestResponseWriterFirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}

	rw.WriteHeader(http.StatusNotFound)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusNotFound, rw.statusCode)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManagerDisabled(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	mgr := NewManager(cfg)
	require.NoError(t, mgr.Initialize(context.Background()))

	assert.Equal(t, Noop, mgr.Recorder())

	_, span := mgr.Tracer("test").Start(context.Background(), "noop_span")
	span.End()

	rec := httptest.NewRecorder()
	mgr.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, mgr.Shutdown(context.Background()))
}

func TestManagerEnabledMetrics(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	cfg.Metrics.Enabled = true

	mgr := NewManager(cfg)
	require.NoError(t, mgr.Initialize(context.Background()))
	defer func() {
		require.NoError(t, mgr.Shutdown(context.Background()))
	}()

	recorder := mgr.Recorder()
	require.NotEqual(t, Noop, recorder)
	recorder.RecordToolCall("search", 10*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	mgr.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tool_calls")
}

func TestManagerStdoutTracing(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	mgr := NewManager(cfg)
	require.NoError(t, mgr.Initialize(context.Background()))
	require.NoError(t, mgr.Shutdown(context.Background()))
}

func TestForRecorder(t *testing.T) {
	assert.Equal(t, Noop, ForRecorder(nil))

	m := &Metrics{}
	assert.Equal(t, Recorder(m), ForRecorder(m))
}
