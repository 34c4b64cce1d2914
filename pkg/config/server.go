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
	"fmt"
	"net/url"
	"time"
)

// ServerConfig configures the A2A HTTP server.
type ServerConfig struct {
	// Host to bind to. Default: 0.0.0.0.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=0.0.0.0"`

	// Port to listen on. Default: 8080.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=8080"`

	// BaseURL is the externally reachable URL advertised in agent
	// cards. Default: http://<host>:<port>.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL"`

	// TLS enables HTTPS when configured.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// CORS configures cross-origin access.
	CORS *CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty"`

	// Auth configures JWT authentication. Nil disables it.
	Auth *AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty"`

	// Tasks configures task persistence.
	Tasks *TasksConfig `yaml:"tasks,omitempty" json:"tasks,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty" jsonschema:"title=Shutdown Timeout"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	// Enabled turns on TLS.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// CertFile is the path to the certificate.
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`

	// KeyFile is the path to the private key.
	KeyFile string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// CORSConfig configures CORS.
type CORSConfig struct {
	// AllowedOrigins is a list of allowed origins.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`

	// AllowedMethods is a list of allowed HTTP methods.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty"`

	// AllowedHeaders is a list of allowed headers.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty"`

	// AllowCredentials allows credentials.
	AllowCredentials bool `yaml:"allow_credentials,omitempty" json:"allow_credentials,omitempty"`
}

// TasksConfig configures task persistence.
type TasksConfig struct {
	// Backend is memory (default) or sql.
	Backend StorageBackend `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Backend,enum=memory,enum=sql,default=memory"`

	// Database references a configured SQL connection. Required when
	// the backend is sql.
	Database string `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database Reference"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	// Permissive CORS for development. Lock down via config.
	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}
	}

	if c.Auth != nil {
		c.Auth.SetDefaults()
	}
	if c.Tasks != nil {
		c.Tasks.SetDefaults()
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url '%s' is not an absolute URL", c.BaseURL)
		}
	}

	if c.TLS != nil && c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}

	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if c.Tasks != nil {
		if err := c.Tasks.Validate(); err != nil {
			return fmt.Errorf("tasks: %w", err)
		}
	}
	return nil
}

// Address returns the host:port the server binds to.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExternalURL returns the advertised base URL, deriving one from the
// bind address when base_url is not set.
func (c *ServerConfig) ExternalURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	scheme := "http"
	if c.TLS != nil && c.TLS.Enabled {
		scheme = "https"
	}
	host := c.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, c.Port)
}

// SetDefaults applies default values.
func (c *TasksConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StorageBackendMemory
	}
}

// Validate checks the tasks configuration.
func (c *TasksConfig) Validate() error {
	switch c.Backend {
	case "", StorageBackendMemory:
		if c.Database != "" {
			return fmt.Errorf("database is only valid for the sql backend")
		}
	case StorageBackendSQL:
		if c.Database == "" {
			return fmt.Errorf("sql backend requires a database reference")
		}
	default:
		return fmt.Errorf("unknown backend '%s' (valid: memory, sql)", c.Backend)
	}
	return nil
}
