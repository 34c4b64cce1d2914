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

// Package server exposes configured agents over the A2A protocol.
//
// The package has three layers. Runtime assembles the configuration into
// live components: models, toolsets, agents, orchestrators, session and
// task stores, and one runner-backed Executor per addressable agent.
// HTTPServer serves those executors through a2a-go's native JSON-RPC and
// agent-card handlers on /agents/{name}, plus discovery, health, schema
// and metrics endpoints. Server ties both to a process lifecycle:
// signals, graceful shutdown, and configuration hot-reload that rebuilds
// the runtime and swaps the executors atomically.
//
//	cfg, loader, err := config.LoadConfigFile(ctx, "ensemble.yaml")
//	srv, err := server.New(server.Options{Config: cfg, Loader: loader})
//	err = srv.Start(ctx)
//	srv.Wait()
package server
