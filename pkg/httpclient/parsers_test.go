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

package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestParseStandardRateLimitHeaders(t *testing.T) {
	t.Run("retry_after_seconds", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Retry-After", "30")

		info := ParseStandardRateLimitHeaders(headers)
		if info.RetryAfter != 30*time.Second {
			t.Errorf("RetryAfter = %v, want 30s", info.RetryAfter)
		}
	})

	t.Run("retry_after_http_date", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))

		info := ParseStandardRateLimitHeaders(headers)
		if info.RetryAfter <= 0 || info.RetryAfter > 10*time.Second {
			t.Errorf("RetryAfter = %v, want between 0 and 10s", info.RetryAfter)
		}
	})

	t.Run("reset_and_remaining", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("X-RateLimit-Reset", "1735689600")
		headers.Set("X-RateLimit-Remaining", "42")

		info := ParseStandardRateLimitHeaders(headers)
		if info.ResetTime != 1735689600 {
			t.Errorf("ResetTime = %d, want 1735689600", info.ResetTime)
		}
		if info.RequestsRemaining != 42 {
			t.Errorf("RequestsRemaining = %d, want 42", info.RequestsRemaining)
		}
	})

	t.Run("empty_headers", func(t *testing.T) {
		info := ParseStandardRateLimitHeaders(http.Header{})
		if info != (RateLimitInfo{}) {
			t.Errorf("ParseStandardRateLimitHeaders() = %+v, want zero value", info)
		}
	})
}

func TestParseGeminiRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")

	info := ParseGeminiRateLimitHeaders(headers)
	if info.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", info.RetryAfter)
	}

	if info := ParseGeminiRateLimitHeaders(http.Header{}); info.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0", info.RetryAfter)
	}
}
