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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfigDefaults(t *testing.T) {
	tests := []struct {
		name        string
		cfg         DatabaseConfig
		wantPort    int
		wantSSLMode string
	}{
		{
			name:        "postgres",
			cfg:         DatabaseConfig{Driver: "postgres"},
			wantPort:    5432,
			wantSSLMode: "disable",
		},
		{
			name:     "mysql",
			cfg:      DatabaseConfig{Driver: "mysql"},
			wantPort: 3306,
		},
		{
			name: "sqlite_no_port",
			cfg:  DatabaseConfig{Driver: "sqlite"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.SetDefaults()
			assert.Equal(t, tt.wantPort, tt.cfg.Port)
			assert.Equal(t, tt.wantSSLMode, tt.cfg.SSLMode)
			assert.Equal(t, 25, tt.cfg.MaxConns)
			assert.Equal(t, 5, tt.cfg.MaxIdle)
		})
	}
}

func TestDatabaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DatabaseConfig
		wantErr string
	}{
		{
			name:    "missing_driver",
			cfg:     DatabaseConfig{Database: "ensemble"},
			wantErr: "driver is required",
		},
		{
			name:    "unknown_driver",
			cfg:     DatabaseConfig{Driver: "oracle", Database: "ensemble"},
			wantErr: "invalid driver",
		},
		{
			name:    "missing_database",
			cfg:     DatabaseConfig{Driver: "postgres", Host: "localhost"},
			wantErr: "database is required",
		},
		{
			name:    "postgres_missing_host",
			cfg:     DatabaseConfig{Driver: "postgres", Database: "ensemble"},
			wantErr: "host is required for postgres",
		},
		{
			name:    "mysql_missing_host",
			cfg:     DatabaseConfig{Driver: "mysql", Database: "ensemble"},
			wantErr: "host is required for mysql",
		},
		{
			name: "sqlite_needs_no_host",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "/tmp/ensemble.db"},
		},
		{
			name: "valid_postgres",
			cfg:  DatabaseConfig{Driver: "postgres", Host: "localhost", Database: "ensemble"},
		},
		{
			name:    "negative_limits",
			cfg:     DatabaseConfig{Driver: "sqlite", Database: "f.db", MaxConns: -1},
			wantErr: "connection limits must not be negative",
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

func TestDatabaseConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres_full",
			cfg: DatabaseConfig{
				Driver: "postgres", Host: "db.internal", Port: 5432,
				Database: "ensemble", Username: "svc", Password: "hunter2", SSLMode: "require",
			},
			want: "host=db.internal port=5432 dbname=ensemble user=svc password=hunter2 sslmode=require",
		},
		{
			name: "postgres_no_credentials",
			cfg: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432, Database: "ensemble", SSLMode: "disable",
			},
			want: "host=localhost port=5432 dbname=ensemble sslmode=disable",
		},
		{
			name: "mysql_with_credentials",
			cfg: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				Database: "ensemble", Username: "svc", Password: "hunter2",
			},
			want: "svc:hunter2@tcp(localhost:3306)/ensemble?parseTime=true",
		},
		{
			name: "mysql_no_credentials",
			cfg:  DatabaseConfig{Driver: "mysql", Host: "localhost", Port: 3306, Database: "ensemble"},
			want: "tcp(localhost:3306)/ensemble?parseTime=true",
		},
		{
			name: "sqlite_path",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "/var/lib/ensemble/state.db"},
			want: "/var/lib/ensemble/state.db",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestDatabaseConfigDriverName(t *testing.T) {
	assert.Equal(t, "sqlite3", (&DatabaseConfig{Driver: "sqlite"}).DriverName())
	assert.Equal(t, "sqlite3", (&DatabaseConfig{Driver: "sqlite3"}).DriverName())
	assert.Equal(t, "postgres", (&DatabaseConfig{Driver: "postgres"}).DriverName())
	assert.Equal(t, "mysql", (&DatabaseConfig{Driver: "mysql"}).DriverName())
}

func TestDatabaseConfigDialect(t *testing.T) {
	assert.Equal(t, "sqlite", (&DatabaseConfig{Driver: "sqlite3"}).Dialect())
	assert.Equal(t, "sqlite", (&DatabaseConfig{Driver: "sqlite"}).Dialect())
	assert.Equal(t, "postgres", (&DatabaseConfig{Driver: "postgres"}).Dialect())
}

func TestSessionsConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SessionsConfig
		wantErr string
	}{
		{
			name: "memory",
			cfg:  SessionsConfig{Backend: StorageBackendMemory},
		},
		{
			name:    "memory_with_database",
			cfg:     SessionsConfig{Backend: StorageBackendMemory, Database: "main"},
			wantErr: "only valid for the sql backend",
		},
		{
			name: "sql_with_database",
			cfg:  SessionsConfig{Backend: StorageBackendSQL, Database: "main"},
		},
		{
			name:    "sql_without_database",
			cfg:     SessionsConfig{Backend: StorageBackendSQL},
			wantErr: "requires a database reference",
		},
		{
			name:    "unknown_backend",
			cfg:     SessionsConfig{Backend: "redis"},
			wantErr: "unknown backend",
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
