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
	"context"
	"os"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/pkg/config/provider"
)

// Requires a local Consul agent. Skipped when one is not reachable.
func TestLoaderConsulIntegration(t *testing.T) {
	if os.Getenv("SKIP_CONSUL_TEST") == "1" {
		t.Skip("Skipping Consul integration test")
	}

	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		t.Skipf("Skipping Consul test - failed to create client: %v", err)
	}
	if _, _, err := client.KV().Get("test", nil); err != nil {
		t.Skipf("Skipping Consul test - Consul not accessible: %v", err)
	}

	const testKey = "ensemble/test/config"
	_, err = client.KV().Put(&api.KVPair{Key: testKey, Value: []byte(minimalYAML)}, nil)
	require.NoError(t, err)
	defer func() {
		_, _ = client.KV().Delete(testKey, nil)
	}()

	cfg, loader, err := LoadConfig(context.Background(), provider.Config{
		Type: provider.TypeConsul,
		Path: testKey,
	})
	require.NoError(t, err)
	defer loader.Close()

	assert.Equal(t, "loader-test", cfg.Name)
	assert.Equal(t, provider.TypeConsul, loader.Provider().Type())
}

func TestLoaderConsulMissingKey(t *testing.T) {
	if os.Getenv("SKIP_CONSUL_TEST") == "1" {
		t.Skip("Skipping Consul integration test")
	}

	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		t.Skipf("Skipping Consul test - failed to create client: %v", err)
	}
	if _, _, err := client.KV().Get("test", nil); err != nil {
		t.Skipf("Skipping Consul test - Consul not accessible: %v", err)
	}

	_, _, err = LoadConfig(context.Background(), provider.Config{
		Type: provider.TypeConsul,
		Path: "ensemble/test/never-written",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
