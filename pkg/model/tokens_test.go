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

package model

import (
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
)

func textMessage(role a2a.MessageRole, text string) *a2a.Message {
	return &a2a.Message{Role: role, Parts: []a2a.Part{a2a.TextPart{Text: text}}}
}

func TestNewTokenEstimator(t *testing.T) {
	tests := []struct {
		name  string
		model string
	}{
		{"gpt-4o", "gpt-4o"},
		{"gpt-4", "gpt-4"},
		{"gemini_uses_fallback", "gemini-2.0-flash"},
		{"unknown_uses_fallback", "no-such-model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := NewTokenEstimator(tt.model)
			if err != nil {
				t.Fatalf("NewTokenEstimator() error = %v", err)
			}
			if est == nil {
				t.Fatal("NewTokenEstimator() returned nil estimator")
			}
		})
	}
}

func TestTokenEstimator_Count(t *testing.T) {
	est, err := NewTokenEstimator("gpt-4o")
	if err != nil {
		t.Fatalf("NewTokenEstimator() error = %v", err)
	}

	tests := []struct {
		name string
		text string
		min  int
		max  int
	}{
		{"empty", "", 0, 0},
		{"simple_sentence", "Hello, world!", 3, 5},
		{"longer_text", "This is a longer sentence with more words to count tokens accurately.", 12, 18},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := est.Count(tt.text)
			if count < tt.min || count > tt.max {
				t.Errorf("Count() = %d, want between %d and %d", count, tt.min, tt.max)
			}
		})
	}
}

func TestTokenEstimator_CountMessage(t *testing.T) {
	est, err := NewTokenEstimator("gpt-4o")
	if err != nil {
		t.Fatalf("NewTokenEstimator() error = %v", err)
	}

	if got := est.CountMessage(nil); got != 0 {
		t.Errorf("CountMessage(nil) = %d, want 0", got)
	}

	text := est.CountMessage(textMessage(a2a.MessageRoleUser, "Hello"))
	if text <= messageOverheadTokens {
		t.Errorf("CountMessage() = %d, want more than framing overhead %d", text, messageOverheadTokens)
	}

	// Non-text parts are charged a flat overhead.
	data := est.CountMessage(&a2a.Message{
		Role:  a2a.MessageRoleAgent,
		Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{"type": "tool_use"}}},
	})
	if data != 2*messageOverheadTokens {
		t.Errorf("CountMessage() non-text = %d, want %d", data, 2*messageOverheadTokens)
	}
}

func TestTokenEstimator_TrimToBudget(t *testing.T) {
	est, err := NewTokenEstimator("gpt-4o")
	if err != nil {
		t.Fatalf("NewTokenEstimator() error = %v", err)
	}

	messages := []*a2a.Message{
		textMessage(a2a.MessageRoleUser, "Message 1"),
		textMessage(a2a.MessageRoleAgent, "Response 1"),
		textMessage(a2a.MessageRoleUser, "Message 2"),
		textMessage(a2a.MessageRoleAgent, "Response 2"),
		textMessage(a2a.MessageRoleUser, "Message 3"),
	}

	t.Run("zero_budget_disables_trimming", func(t *testing.T) {
		got := est.TrimToBudget(messages, 0)
		if len(got) != len(messages) {
			t.Errorf("TrimToBudget() kept %d messages, want %d", len(got), len(messages))
		}
	})

	t.Run("tiny_budget_drops_everything", func(t *testing.T) {
		got := est.TrimToBudget(messages, 4)
		if len(got) != 0 {
			t.Errorf("TrimToBudget() kept %d messages, want 0", len(got))
		}
	})

	t.Run("large_budget_keeps_all", func(t *testing.T) {
		got := est.TrimToBudget(messages, 1000)
		if len(got) != len(messages) {
			t.Errorf("TrimToBudget() kept %d messages, want %d", len(got), len(messages))
		}
	})

	t.Run("moderate_budget_keeps_newest_suffix", func(t *testing.T) {
		got := est.TrimToBudget(messages, 20)
		if len(got) == 0 || len(got) == len(messages) {
			t.Fatalf("TrimToBudget() kept %d messages, want a strict suffix", len(got))
		}
		if got[len(got)-1] != messages[len(messages)-1] {
			t.Error("TrimToBudget() must preserve the most recent message")
		}
	})
}
