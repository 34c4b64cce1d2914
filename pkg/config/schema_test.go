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

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSchema(t *testing.T) {
	schema := JSONSchema()
	require.NotNil(t, schema)

	assert.Equal(t, "Ensemble Configuration Schema", schema.Title)
	assert.NotEmpty(t, schema.ID)
	require.Len(t, schema.Examples, 1)

	data, err := json.Marshal(schema)
	require.NoError(t, err)

	// Every top-level section must be described.
	for _, section := range []string{
		`"models"`, `"tools"`, `"agents"`, `"orchestrators"`,
		`"workflows"`, `"quality"`, `"databases"`, `"sessions"`,
		`"server"`, `"logging"`, `"pool"`, `"observability"`,
	} {
		assert.Contains(t, string(data), section)
	}

	// Unknown keys fail at load time; the schema says the same.
	assert.Contains(t, string(data), `"additionalProperties":false`)
}

func TestJSONSchemaExampleLoads(t *testing.T) {
	// The example embedded in the schema must itself be a valid config.
	schema := JSONSchema()
	raw, err := json.Marshal(schema.Examples[0])
	require.NoError(t, err)

	parsed, err := parseBytes(raw)
	require.NoError(t, err)

	cfg := &Config{}
	require.NoError(t, decodeConfig(expandEnvVars(parsed), cfg))
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Contains(t, cfg.Agents, "assistant")
	assert.Contains(t, cfg.Models, "default")
}

func TestLoggerConfigDefaults(t *testing.T) {
	var cfg LoggerConfig
	cfg.SetDefaults()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "simple", cfg.Format)
	assert.Empty(t, cfg.File)
}

func TestLoggerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LoggerConfig
		wantErr string
	}{
		{name: "empty", cfg: LoggerConfig{}},
		{name: "debug", cfg: LoggerConfig{Level: "debug", Format: "verbose"}},
		{name: "warning_alias", cfg: LoggerConfig{Level: "warning"}},
		{name: "bad_level", cfg: LoggerConfig{Level: "trace"}, wantErr: "invalid log level"},
		{name: "bad_format", cfg: LoggerConfig{Format: "json"}, wantErr: "invalid log format"},
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
