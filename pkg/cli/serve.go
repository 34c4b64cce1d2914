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

package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/server"
)

// ServeCmd starts the A2A server.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the config source and reload on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("a configuration file is required (--config)")
	}

	ctx := context.Background()
	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The config file may carry logging settings the flags left open.
	level, file, format := resolveLogging(cli, &cfg.Logging)
	if l0, f0, fm0 := loggingDefaults(cli); level != l0 || file != f0 || format != fm0 {
		cleanup, err := initLogger(level, file, format)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
	}

	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}

	opts := server.Options{Config: cfg}
	if c.Watch {
		// The server owns the loader from here and closes it on
		// shutdown.
		opts.Loader = loader
	} else {
		defer loader.Close()
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	printServeSummary(os.Stdout, cfg)
	return srv.Wait()
}

// printServeSummary lists the endpoints the server exposes.
func printServeSummary(w io.Writer, cfg *config.Config) {
	base := "http://" + net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	fmt.Fprintf(w, "\nensemble server ready\n")
	fmt.Fprintf(w, "  agent card:  %s/.well-known/agent-card.json\n", base)
	fmt.Fprintf(w, "  discovery:   %s/agents\n", base)
	fmt.Fprintf(w, "  health:      %s/health\n", base)
	if cfg.Observability.Metrics.Enabled {
		endpoint := cfg.Observability.Metrics.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		fmt.Fprintf(w, "  metrics:     %s%s\n", base, endpoint)
	}
	fmt.Fprintf(w, "  sessions:    %s\n", backendLabel(cfg.Sessions.Backend, cfg.Sessions.Database))
	if tc := cfg.Server.Tasks; tc != nil {
		fmt.Fprintf(w, "  tasks:       %s\n", backendLabel(tc.Backend, tc.Database))
	}

	names := cfg.ListAgents()
	names = append(names, cfg.ListOrchestrators()...)
	if len(names) > 0 {
		fmt.Fprintf(w, "\n  agents (A2A JSON-RPC endpoints):\n")
		for _, name := range names {
			fmt.Fprintf(w, "    - %s/agents/%s\n", base, name)
		}
	}
	fmt.Fprintf(w, "\nPress Ctrl+C to stop\n")
}

func backendLabel(backend config.StorageBackend, database string) string {
	if backend == config.StorageBackendSQL {
		return fmt.Sprintf("sql (database %q)", database)
	}
	return "in-memory (not persisted)"
}
