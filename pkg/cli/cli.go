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

// Package cli implements the ensemble command-line interface.
//
// Usage:
//
//	ensemble serve -c config.yaml
//	ensemble call http://localhost:8080/agents/assistant "hello"
//	ensemble list http://localhost:8080
//	ensemble validate config.yaml
package cli

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/ensembleworks/ensemble/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the A2A server."`
	Call     CallCmd     `cmd:"" help:"Send a message to an agent endpoint."`
	List     ListCmd     `cmd:"" help:"List the agents a server exposes."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"ENSEMBLE_LOG_LEVEL"`
	LogFile   string `help:"Log file path (empty = stderr)." env:"ENSEMBLE_LOG_FILE"`
	LogFormat string `help:"Log format (simple or verbose)." env:"ENSEMBLE_LOG_FORMAT"`
}

// Main parses arguments and runs the selected command. It is the whole
// body of cmd/ensemble.
func Main() {
	// .env values feed ${VAR} expansion in configs and the kong env
	// tags, so they must be in place before parsing.
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("ensemble"),
		kong.Description("Ensemble - declarative multi-agent orchestration over A2A"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(loggingDefaults(&cli))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
