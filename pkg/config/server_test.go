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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDefaults(t *testing.T) {
	var cfg ServerConfig
	cfg.SetDefaults()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.NotNil(t, cfg.CORS)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{
			name: "defaults_are_valid",
			cfg:  func() ServerConfig { var c ServerConfig; c.SetDefaults(); return c }(),
		},
		{
			name:    "negative_port",
			cfg:     ServerConfig{Port: -1},
			wantErr: "invalid port",
		},
		{
			name:    "port_too_large",
			cfg:     ServerConfig{Port: 70000},
			wantErr: "invalid port",
		},
		{
			name:    "relative_base_url",
			cfg:     ServerConfig{Port: 8080, BaseURL: "agents.example.com"},
			wantErr: "not an absolute URL",
		},
		{
			name: "absolute_base_url",
			cfg:  ServerConfig{Port: 8080, BaseURL: "https://agents.example.com"},
		},
		{
			name:    "tls_missing_files",
			cfg:     ServerConfig{Port: 8080, TLS: &TLSConfig{Enabled: true}},
			wantErr: "tls requires cert_file and key_file",
		},
		{
			name: "tls_with_files",
			cfg: ServerConfig{Port: 8080, TLS: &TLSConfig{
				Enabled: true, CertFile: "/etc/tls/cert.pem", KeyFile: "/etc/tls/key.pem",
			}},
		},
		{
			name: "auth_error_wrapped",
			cfg: ServerConfig{Port: 8080, Auth: &AuthConfig{
				Enabled: true, RefreshInterval: 15 * time.Minute,
			}},
			wantErr: "auth: jwks_url is required",
		},
		{
			name: "tasks_error_wrapped",
			cfg: ServerConfig{Port: 8080, Tasks: &TasksConfig{
				Backend: StorageBackendSQL,
			}},
			wantErr: "tasks: sql backend requires a database reference",
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

func TestServerConfigAddress(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "127.0.0.1:9090", cfg.Address())
}

func TestServerConfigExternalURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{
			name: "base_url_wins",
			cfg:  ServerConfig{Host: "0.0.0.0", Port: 8080, BaseURL: "https://agents.example.com"},
			want: "https://agents.example.com",
		},
		{
			name: "wildcard_host_becomes_localhost",
			cfg:  ServerConfig{Host: "0.0.0.0", Port: 8080},
			want: "http://localhost:8080",
		},
		{
			name: "ipv6_wildcard_becomes_localhost",
			cfg:  ServerConfig{Host: "::", Port: 8080},
			want: "http://localhost:8080",
		},
		{
			name: "concrete_host_kept",
			cfg:  ServerConfig{Host: "agents.internal", Port: 9090},
			want: "http://agents.internal:9090",
		},
		{
			name: "tls_uses_https",
			cfg:  ServerConfig{Host: "agents.internal", Port: 443, TLS: &TLSConfig{Enabled: true}},
			want: "https://agents.internal:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ExternalURL())
		})
	}
}

func TestAuthConfigDefaults(t *testing.T) {
	cfg := AuthConfig{Enabled: true}
	cfg.SetDefaults()

	assert.Equal(t, 15*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, []string{"/health", "/agents"}, cfg.ExcludedPaths)
	assert.True(t, cfg.IsRequireAuth())
}

func TestAuthConfigValidate(t *testing.T) {
	valid := AuthConfig{
		Enabled:         true,
		JWKSURL:         "https://issuer.example.com/.well-known/jwks.json",
		Issuer:          "https://issuer.example.com",
		Audience:        "ensemble",
		RefreshInterval: 15 * time.Minute,
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("disabled_skips_validation", func(t *testing.T) {
		assert.NoError(t, (&AuthConfig{}).Validate())
	})

	t.Run("missing_fields", func(t *testing.T) {
		for _, tt := range []struct {
			name    string
			mutate  func(*AuthConfig)
			wantErr string
		}{
			{"jwks_url", func(c *AuthConfig) { c.JWKSURL = "" }, "jwks_url is required"},
			{"issuer", func(c *AuthConfig) { c.Issuer = "" }, "issuer is required"},
			{"audience", func(c *AuthConfig) { c.Audience = "" }, "audience is required"},
			{"refresh_too_short", func(c *AuthConfig) { c.RefreshInterval = time.Second }, "at least 1 minute"},
		} {
			t.Run(tt.name, func(t *testing.T) {
				cfg := valid
				tt.mutate(&cfg)
				err := cfg.Validate()
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})
}

func TestAuthConfigIsEnabled(t *testing.T) {
	var nilCfg *AuthConfig
	assert.False(t, nilCfg.IsEnabled())
	assert.False(t, (&AuthConfig{}).IsEnabled())
	assert.True(t, (&AuthConfig{Enabled: true}).IsEnabled())
}

func TestAuthConfigIsRequireAuth(t *testing.T) {
	optional := false
	cfg := AuthConfig{Enabled: true, RequireAuth: &optional}
	assert.False(t, cfg.IsRequireAuth())

	assert.True(t, (&AuthConfig{Enabled: true}).IsRequireAuth())
	assert.False(t, (&AuthConfig{}).IsRequireAuth())
}
