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

package quality

import (
	"context"
	"fmt"
	"strings"
)

// WeightedCheck pairs a check with its weight in the aggregate score.
type WeightedCheck struct {
	Check  Check
	Weight float64
}

// Weighted wraps a check with an explicit weight.
func Weighted(c Check, weight float64) WeightedCheck {
	return WeightedCheck{Check: c, Weight: weight}
}

// Evaluator runs a set of weighted checks and aggregates them into a
// Report. Checks run in order; a check's infrastructure error aborts the
// evaluation.
type Evaluator struct {
	threshold float64
	checks    []WeightedCheck
}

// NewEvaluator builds an evaluator that passes when the weighted mean of
// the check scores reaches threshold. A non-positive weight counts as 1.
func NewEvaluator(threshold float64, checks ...WeightedCheck) *Evaluator {
	return &Evaluator{threshold: threshold, checks: checks}
}

// Report is the aggregated outcome of one evaluation.
type Report struct {
	// Scores holds each check's outcome, in check order.
	Scores []Score `json:"scores"`

	// Aggregate is the weighted mean of the scores, 0..1.
	Aggregate float64 `json:"aggregate"`

	// Threshold the aggregate was measured against.
	Threshold float64 `json:"threshold"`

	// Passed reports whether the aggregate reached the threshold.
	Passed bool `json:"passed"`
}

// Evaluate runs every check against the input/output pair. With zero
// checks the report passes with a full score.
func (e *Evaluator) Evaluate(ctx context.Context, input, output string) (*Report, error) {
	report := &Report{Threshold: e.threshold}

	if len(e.checks) == 0 {
		report.Aggregate = 1.0
		report.Passed = true
		return report, nil
	}

	var weightedSum, totalWeight float64
	for _, wc := range e.checks {
		score, err := wc.Check.Evaluate(ctx, input, output)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", wc.Check.Name(), err)
		}
		report.Scores = append(report.Scores, *score)

		weight := wc.Weight
		if weight <= 0 {
			weight = 1
		}
		weightedSum += clamp01(score.Value) * weight
		totalWeight += weight
	}

	report.Aggregate = weightedSum / totalWeight
	report.Passed = report.Aggregate >= e.threshold
	return report, nil
}

// Failed returns the scores of checks that did not pass.
func (r *Report) Failed() []Score {
	var failed []Score
	for _, s := range r.Scores {
		if !s.Passed {
			failed = append(failed, s)
		}
	}
	return failed
}

// Feedback renders the failed checks as guidance for a retry. Empty when
// everything passed.
func (r *Report) Feedback() string {
	failed := r.Failed()
	if len(failed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("The previous response fell short on these checks:\n")
	for _, s := range failed {
		fmt.Fprintf(&sb, "- %s (scored %.2f)", s.Check, s.Value)
		if s.Detail != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Detail)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Address every point and respond again.")
	return sb.String()
}
