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

package config

import "fmt"

// QualityCheckType identifies a quality check kind.
type QualityCheckType string

const (
	QualityCheckLength   QualityCheckType = "length"
	QualityCheckKeywords QualityCheckType = "keywords"
	QualityCheckSchema   QualityCheckType = "schema"
	QualityCheckJudge    QualityCheckType = "judge"
)

// QualityGateConfig is a named quality gate wrapping an agent with
// scored checks and bounded retries.
type QualityGateConfig struct {
	// Threshold is the aggregate score a response must reach, 0 to 1.
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// MaxAttempts bounds reruns of the gated agent.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Checks score each response.
	Checks []QualityCheckConfig `yaml:"checks,omitempty" json:"checks,omitempty"`
}

// QualityCheckConfig configures one check inside a gate.
type QualityCheckConfig struct {
	// Type selects length, keywords, schema, or judge.
	Type QualityCheckType `yaml:"type,omitempty" json:"type,omitempty"`

	// Weight of this check in the aggregate. Defaults to 1.
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty"`

	// MinChars / MaxChars bound response length. Length checks only.
	MinChars int `yaml:"min_chars,omitempty" json:"min_chars,omitempty"`
	MaxChars int `yaml:"max_chars,omitempty" json:"max_chars,omitempty"`

	// Required / Forbidden terms. Keyword checks only.
	Required      []string `yaml:"required,omitempty" json:"required,omitempty"`
	Forbidden     []string `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
	CaseSensitive bool     `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`

	// Schema the response JSON must satisfy. Schema checks only.
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`

	// Model references a configured model. Judge checks only.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// Criteria are appended to the judge's instruction.
	Criteria string `yaml:"criteria,omitempty" json:"criteria,omitempty"`

	// PassThreshold is the judge's own passing score.
	PassThreshold float64 `yaml:"pass_threshold,omitempty" json:"pass_threshold,omitempty"`
}

// SetDefaults applies default values.
func (c *QualityGateConfig) SetDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 0.7
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 2
	}
}

// Validate checks the gate configuration.
func (c *QualityGateConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %g", c.Threshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if len(c.Checks) == 0 {
		return fmt.Errorf("at least one check is required")
	}
	for i := range c.Checks {
		if err := c.Checks[i].validate(); err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
	}
	return nil
}

func (c *QualityCheckConfig) validate() error {
	if c.Weight < 0 {
		return fmt.Errorf("weight must not be negative, got %g", c.Weight)
	}

	switch c.Type {
	case QualityCheckLength:
		if c.MinChars == 0 && c.MaxChars == 0 {
			return fmt.Errorf("length check requires min_chars or max_chars")
		}
		if c.MinChars < 0 || c.MaxChars < 0 {
			return fmt.Errorf("length bounds must not be negative")
		}
		if c.MaxChars > 0 && c.MinChars > c.MaxChars {
			return fmt.Errorf("min_chars %d exceeds max_chars %d", c.MinChars, c.MaxChars)
		}
	case QualityCheckKeywords:
		if len(c.Required) == 0 && len(c.Forbidden) == 0 {
			return fmt.Errorf("keywords check requires required or forbidden terms")
		}
	case QualityCheckSchema:
		if len(c.Schema) == 0 {
			return fmt.Errorf("schema check requires a schema")
		}
	case QualityCheckJudge:
		if c.Model == "" {
			return fmt.Errorf("judge check requires a model reference")
		}
		if c.PassThreshold < 0 || c.PassThreshold > 1 {
			return fmt.Errorf("pass_threshold must be between 0 and 1, got %g", c.PassThreshold)
		}
	default:
		return fmt.Errorf("unknown check type '%s' (valid: length, keywords, schema, judge)", c.Type)
	}
	return nil
}
