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

// Package quality validates agent output.
//
// A Check scores one aspect of a response: structural shape (SchemaCheck),
// length bounds (LengthCheck), required and forbidden terms (KeywordCheck),
// or an LLM judge's verdict (JudgeCheck). An Evaluator aggregates weighted
// checks into a Report, and Gate wraps an agent so that responses failing
// the report are retried with feedback before the best attempt escalates.
package quality

import (
	"context"
	"fmt"
	"strings"
)

// Score is the outcome of one check. Value is normalized to 0..1.
type Score struct {
	// Check names the check that produced the score.
	Check string `json:"check"`

	// Value is the normalized score, 1.0 meaning fully satisfied.
	Value float64 `json:"value"`

	// Passed reports whether the check's own pass criterion held.
	Passed bool `json:"passed"`

	// Detail describes what the check found, suitable for feedback.
	Detail string `json:"detail,omitempty"`
}

// Check evaluates an agent response against one criterion. Input is the
// user request the response answers; output is the response text.
//
// A check returns an error only for infrastructure failures. A response
// that merely fails the criterion produces a Score with Passed=false.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, input, output string) (*Score, error)
}

// LengthCheck scores a response against character bounds.
type LengthCheck struct {
	// MinChars is the minimum acceptable length. Zero disables the bound.
	MinChars int

	// MaxChars is the maximum acceptable length. Zero disables the bound.
	MaxChars int
}

func (c *LengthCheck) Name() string { return "length" }

// Evaluate grades length proportionally: a response at half the minimum
// scores 0.5, one at double the maximum scores 0.5.
func (c *LengthCheck) Evaluate(_ context.Context, _, output string) (*Score, error) {
	n := len(output)
	score := &Score{Check: c.Name(), Value: 1.0, Passed: true}

	switch {
	case c.MinChars > 0 && n < c.MinChars:
		score.Value = float64(n) / float64(c.MinChars)
		score.Passed = false
		score.Detail = fmt.Sprintf("response is %d characters, need at least %d", n, c.MinChars)
	case c.MaxChars > 0 && n > c.MaxChars:
		score.Value = float64(c.MaxChars) / float64(n)
		score.Passed = false
		score.Detail = fmt.Sprintf("response is %d characters, limit is %d", n, c.MaxChars)
	}
	return score, nil
}

// KeywordCheck scores a response by term presence. Matching is
// case-insensitive unless CaseSensitive is set.
type KeywordCheck struct {
	// Required terms must all appear in the response.
	Required []string

	// Forbidden terms must not appear. Any hit fails the check outright.
	Forbidden []string

	// CaseSensitive switches to exact-case matching.
	CaseSensitive bool
}

func (c *KeywordCheck) Name() string { return "keywords" }

func (c *KeywordCheck) Evaluate(_ context.Context, _, output string) (*Score, error) {
	haystack := output
	if !c.CaseSensitive {
		haystack = strings.ToLower(output)
	}

	var hits []string
	for _, term := range c.Forbidden {
		if strings.Contains(haystack, c.fold(term)) {
			hits = append(hits, term)
		}
	}
	if len(hits) > 0 {
		return &Score{
			Check:  c.Name(),
			Value:  0,
			Passed: false,
			Detail: fmt.Sprintf("forbidden terms present: %s", strings.Join(hits, ", ")),
		}, nil
	}

	if len(c.Required) == 0 {
		return &Score{Check: c.Name(), Value: 1.0, Passed: true}, nil
	}

	var missing []string
	for _, term := range c.Required {
		if !strings.Contains(haystack, c.fold(term)) {
			missing = append(missing, term)
		}
	}

	found := len(c.Required) - len(missing)
	score := &Score{
		Check:  c.Name(),
		Value:  float64(found) / float64(len(c.Required)),
		Passed: len(missing) == 0,
	}
	if len(missing) > 0 {
		score.Detail = fmt.Sprintf("required terms missing: %s", strings.Join(missing, ", "))
	}
	return score, nil
}

func (c *KeywordCheck) fold(term string) string {
	if c.CaseSensitive {
		return term
	}
	return strings.ToLower(term)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
