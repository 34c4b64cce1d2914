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
	"fmt"
	"os"

	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/logger"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "simple"
)

// loggingDefaults resolves logging settings before any config file is
// available: flags and ENSEMBLE_LOG_* variables (kong merges those),
// then built-in defaults.
func loggingDefaults(cli *CLI) (level, file, format string) {
	return resolveLogging(cli, nil)
}

// resolveLogging merges CLI and environment logging settings over the
// config file's. A flag or ENSEMBLE_LOG_* variable always wins; the
// config file fills whatever they left empty.
func resolveLogging(cli *CLI, cfg *config.LoggerConfig) (level, file, format string) {
	level, file, format = cli.LogLevel, cli.LogFile, cli.LogFormat
	if cfg != nil {
		if level == "" {
			level = cfg.Level
		}
		if file == "" {
			file = cfg.File
		}
		if format == "" {
			format = cfg.Format
		}
	}
	if level == "" {
		level = defaultLogLevel
	}
	if format == "" {
		format = defaultLogFormat
	}
	return level, file, format
}

// initLogger installs the process-wide logger. The returned cleanup
// closes the log file, if one was opened.
func initLogger(levelStr, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}
