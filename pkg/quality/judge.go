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
	"encoding/json"
	"fmt"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/ensembleworks/ensemble/pkg/formatter"
	"github.com/ensembleworks/ensemble/pkg/model"
)

const judgeSystemPrompt = `You are a strict quality judge. Score the response against the request on three dimensions, each from 0.0 to 1.0:

- relevance: does the response address the request?
- completeness: does it cover everything the request asked for?
- coherence: is it well organized and internally consistent?

Return only a JSON object with numeric fields "relevance", "completeness" and "coherence", plus a short string "rationale".`

// Verdict is the structured output the judge model returns.
type Verdict struct {
	Relevance    float64 `json:"relevance" jsonschema:"required"`
	Completeness float64 `json:"completeness" jsonschema:"required"`
	Coherence    float64 `json:"coherence" jsonschema:"required"`
	Rationale    string  `json:"rationale"`
}

// JudgeConfig configures a JudgeCheck.
type JudgeConfig struct {
	// Name is the check name. Defaults to "judge".
	Name string

	// Model scores the response. Required.
	Model model.Model

	// Criteria is appended to the judge prompt to describe what a good
	// response looks like for this use case. Optional.
	Criteria string

	// PassThreshold is the mean dimension score required to pass.
	// Defaults to 0.7.
	PassThreshold float64
}

// JudgeCheck asks an LLM to score a response on relevance, completeness
// and coherence. The judge runs with structured JSON output at
// temperature zero. A judge that answers with unparseable JSON fails the
// check; only transport-level failures surface as errors.
type JudgeCheck struct {
	name      string
	model     model.Model
	criteria  string
	threshold float64
	schema    map[string]any
}

// NewJudgeCheck builds a JudgeCheck.
func NewJudgeCheck(cfg JudgeConfig) (*JudgeCheck, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("judge model is required")
	}
	name := cfg.Name
	if name == "" {
		name = "judge"
	}
	threshold := cfg.PassThreshold
	if threshold == 0 {
		threshold = 0.7
	}
	schema, err := ReflectSchema[Verdict]()
	if err != nil {
		return nil, fmt.Errorf("failed to reflect verdict schema: %w", err)
	}
	return &JudgeCheck{
		name:      name,
		model:     cfg.Model,
		criteria:  cfg.Criteria,
		threshold: threshold,
		schema:    schema,
	}, nil
}

func (c *JudgeCheck) Name() string { return c.name }

func (c *JudgeCheck) Evaluate(ctx context.Context, input, output string) (*Score, error) {
	instruction := judgeSystemPrompt
	if c.criteria != "" {
		instruction += "\n\nAdditional criteria:\n" + c.criteria
	}

	prompt := fmt.Sprintf("Request:\n%s\n\nResponse:\n%s", input, output)
	temperature := 0.0
	req := &model.Request{
		SystemInstruction: instruction,
		Messages: []*a2a.Message{
			a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: prompt}),
		},
		Config: &model.GenerateConfig{
			Temperature:      &temperature,
			ResponseMIMEType: "application/json",
			ResponseSchema:   c.schema,
		},
	}

	var final *model.Response
	for resp, err := range c.model.GenerateContent(ctx, req, false) {
		if err != nil {
			return nil, fmt.Errorf("judge model call failed: %w", err)
		}
		final = resp
	}
	if final == nil {
		return c.failed("judge returned no response"), nil
	}

	text := final.TextContent()
	raw, ok := formatter.ExtractJSON(text)
	if !ok {
		return c.failed(fmt.Sprintf("judge returned no JSON: %s", formatter.Preview(text, 120))), nil
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return c.failed(fmt.Sprintf("judge returned invalid JSON: %v", err)), nil
	}

	relevance := clamp01(verdict.Relevance)
	completeness := clamp01(verdict.Completeness)
	coherence := clamp01(verdict.Coherence)
	value := (relevance + completeness + coherence) / 3

	detail := fmt.Sprintf("relevance=%.2f completeness=%.2f coherence=%.2f", relevance, completeness, coherence)
	if verdict.Rationale != "" {
		detail += ": " + verdict.Rationale
	}

	return &Score{
		Check:  c.name,
		Value:  value,
		Passed: value >= c.threshold,
		Detail: detail,
	}, nil
}

// failed builds the score for a judge that did not produce a usable
// verdict. An unusable verdict is a quality finding, not an error.
func (c *JudgeCheck) failed(detail string) *Score {
	return &Score{Check: c.name, Value: 0, Passed: false, Detail: detail}
}
