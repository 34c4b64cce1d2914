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

package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", "debug", slog.LevelDebug, false},
		{"info", "info", slog.LevelInfo, false},
		{"warn", "warn", slog.LevelWarn, false},
		{"warning_alias", "warning", slog.LevelWarn, false},
		{"error", "error", slog.LevelError, false},
		{"uppercase", "DEBUG", slog.LevelDebug, false},
		{"unknown", "loud", slog.LevelInfo, true},
		{"empty", "", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

type captureHandler struct {
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestFilteringHandler_PassesModuleRecords(t *testing.T) {
	capture := &captureHandler{}
	h := &filteringHandler{handler: capture, minLevel: slog.LevelInfo}
	log := slog.New(h)

	// Emitted from this package, so the caller PC resolves inside the
	// module and the record must pass the filter.
	log.Info("from ensemble")

	if len(capture.records) != 1 {
		t.Fatalf("got %d records, want 1", len(capture.records))
	}
	if capture.records[0].Message != "from ensemble" {
		t.Errorf("message = %q", capture.records[0].Message)
	}
}

func TestFilteringHandler_DropsForeignRecordsAboveDebug(t *testing.T) {
	capture := &captureHandler{}
	h := &filteringHandler{handler: capture, minLevel: slog.LevelInfo}

	// A record with no caller PC cannot be attributed to the module.
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "from a library", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(capture.records) != 0 {
		t.Fatalf("foreign record passed filter, got %d records", len(capture.records))
	}
}

func TestFilteringHandler_DebugPassesEverything(t *testing.T) {
	capture := &captureHandler{}
	h := &filteringHandler{handler: capture, minLevel: slog.LevelDebug}

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "from a library", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(capture.records) != 1 {
		t.Fatalf("got %d records, want 1", len(capture.records))
	}
}

func TestFilteringHandler_EnabledHonorsMinLevel(t *testing.T) {
	h := &filteringHandler{handler: &captureHandler{}, minLevel: slog.LevelWarn}

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(INFO) = true with minLevel WARN")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Enabled(ERROR) = false with minLevel WARN")
	}
}

func TestSimpleTextHandler_Format(t *testing.T) {
	var buf strings.Builder
	h := &simpleTextHandler{handler: &captureHandler{}, writer: &buf}

	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "pool saturated", 0)
	rec.AddAttrs(slog.String("endpoint", "http://a:8080"), slog.Int("waiters", 3))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	want := "WARN pool saturated endpoint=http://a:8080 waiters=3\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestColoredTextHandler_SimpleOmitsTimestamp(t *testing.T) {
	var buf strings.Builder
	h := &coloredTextHandler{handler: &captureHandler{}, writer: &buf, simple: true}

	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "server ready", 0)
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "INFO") || !strings.Contains(got, "server ready") {
		t.Errorf("output = %q, want level and message", got)
	}
	if strings.Contains(got, time.Now().Format("2006/01/02")) {
		t.Errorf("simple format included timestamp: %q", got)
	}
}

func TestOpenLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ensemble.log")

	file, cleanup, err := OpenLogFile(path)
	if err != nil {
		t.Fatalf("OpenLogFile() error = %v", err)
	}
	if _, err := file.WriteString("line\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "line\n" {
		t.Errorf("file contents = %q", string(data))
	}
}

func TestGetLogger_InitializesDefault(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
}
