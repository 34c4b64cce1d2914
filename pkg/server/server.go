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

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

// cleanupTimeout bounds component teardown during reloads and signal
// shutdown: HTTP drain, pool drain, and observability flush together.
const cleanupTimeout = 30 * time.Second

// Options configures the lifecycle server.
type Options struct {
	// Config is the initial configuration. Required.
	Config *config.Config

	// Loader provides configuration reloads. Optional; without one,
	// hot reload is disabled. The server takes ownership and closes
	// the loader on shutdown.
	Loader *config.Loader
}

// Server runs the whole stack for the lifetime of the process:
// observability, JWT validation, the runtime, and the HTTP transport.
// It reacts to SIGINT/SIGTERM and rebuilds everything when the loader
// reports a configuration change.
type Server struct {
	mu      sync.Mutex
	cfg     *config.Config
	loader  *config.Loader
	pending *config.Config
	err     error
	started bool

	obs     *observability.Manager
	runtime *Runtime
	http    *HTTPServer

	httpCancel  context.CancelFunc
	httpErrCh   chan error
	watchCancel context.CancelFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	reloadCh chan struct{}
	doneCh   chan struct{}
}

// New creates a server. Nothing runs until Start.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &Server{
		cfg:      opts.Config,
		loader:   opts.Loader,
		stopCh:   make(chan struct{}),
		reloadCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if s.loader != nil {
		// The loader validates before it calls back, so a pending
		// config is always structurally sound. Latest edit wins when
		// changes arrive faster than reloads complete.
		s.loader.SetOnChange(func(cfg *config.Config) {
			s.mu.Lock()
			s.pending = cfg
			s.mu.Unlock()
			select {
			case s.reloadCh <- struct{}{}:
			default:
			}
		})
	}

	return s, nil
}

// Start initializes all components and begins serving. The context
// bounds initialization (JWKS fetch, observability setup); serving
// continues until Stop or a termination signal.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	cfg := s.cfg
	s.mu.Unlock()

	if err := s.initialize(ctx, cfg); err != nil {
		return err
	}
	s.startTransport()

	if s.loader != nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.watchCancel = cancel
		s.mu.Unlock()
		go func() {
			if err := s.loader.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Config watch stopped", "error", err)
			}
		}()
	}

	go s.runLifecycle()
	return nil
}

// Wait blocks until the server has fully shut down and returns the
// error that ended it, if any.
func (s *Server) Wait() error {
	<-s.doneCh
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop triggers graceful shutdown and waits for it, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// initialize builds every component for one configuration snapshot.
func (s *Server) initialize(ctx context.Context, cfg *config.Config) error {
	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}

	validator, err := auth.NewValidatorFromConfig(ctx, cfg.Server.Auth)
	if err != nil {
		s.shutdownObs(obs)
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	rt, err := BuildRuntime(cfg, obs)
	if err != nil {
		s.shutdownObs(obs)
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	httpOpts := []HTTPServerOption{WithObservability(obs)}
	if validator != nil {
		httpOpts = append(httpOpts, WithValidator(validator))
	}

	s.mu.Lock()
	s.cfg = cfg
	s.obs = obs
	s.runtime = rt
	s.http = NewHTTPServer(rt, httpOpts...)
	s.mu.Unlock()

	slog.Info("Server initialized",
		"name", cfg.Name,
		"agents", len(cfg.Agents),
		"orchestrators", len(cfg.Orchestrators),
	)
	return nil
}

func (s *Server) shutdownObs(obs *observability.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		slog.Warn("Observability shutdown failed", "error", err)
	}
}

// startTransport serves HTTP in the background. The error channel
// closes when the serve goroutine exits.
func (s *Server) startTransport() {
	serveCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	s.mu.Lock()
	srv := s.http
	s.httpCancel = cancel
	s.httpErrCh = errCh
	s.mu.Unlock()

	go func() {
		if err := srv.Start(serveCtx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
}

// runLifecycle owns shutdown and reload. It exits on a termination
// signal, a Stop call, a transport failure, or a failed reload.
func (s *Server) runLifecycle() {
	defer close(s.doneCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	defer func() {
		s.mu.Lock()
		watchCancel := s.watchCancel
		loader := s.loader
		s.mu.Unlock()
		if watchCancel != nil {
			watchCancel()
		}
		if loader != nil {
			if err := loader.Close(); err != nil {
				slog.Warn("Config loader close failed", "error", err)
			}
		}
	}()

	for {
		s.mu.Lock()
		httpErrCh := s.httpErrCh
		s.mu.Unlock()

		select {
		case sig := <-sigCh:
			slog.Info("Received signal, shutting down", "signal", sig.String())
			s.cleanup()
			return

		case <-s.stopCh:
			s.cleanup()
			return

		case err := <-httpErrCh:
			// The serve goroutine exited without being asked to.
			if err == nil {
				err = fmt.Errorf("transport stopped unexpectedly")
			}
			slog.Error("Transport failed, shutting down", "error", err)
			s.cleanup()
			s.setErr(err)
			return

		case <-s.reloadCh:
			cfg := s.takePending()
			if cfg == nil {
				continue
			}
			slog.Info("Configuration changed, reloading")
			s.cleanup()
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			err := s.initialize(ctx, cfg)
			cancel()
			if err != nil {
				// Components are already torn down; there is nothing
				// left to serve with.
				slog.Error("Reload failed, server stopped", "error", err)
				s.setErr(fmt.Errorf("reload failed: %w", err))
				return
			}
			s.startTransport()
			slog.Info("Reload complete")
		}
	}
}

func (s *Server) takePending() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.pending
	s.pending = nil
	return cfg
}

func (s *Server) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// cleanup tears down the transport, runtime, and observability in
// dependency order: stop accepting requests first, then close what the
// handlers were using.
func (s *Server) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	s.mu.Lock()
	httpCancel := s.httpCancel
	httpErrCh := s.httpErrCh
	rt := s.runtime
	obs := s.obs
	s.http, s.httpCancel, s.httpErrCh = nil, nil, nil
	s.runtime, s.obs = nil, nil
	s.mu.Unlock()

	if httpCancel != nil {
		httpCancel()
	}
	if httpErrCh != nil {
		// Wait for the serve goroutine to finish draining requests.
		select {
		case <-httpErrCh:
		case <-ctx.Done():
			slog.Warn("Timed out waiting for transport shutdown")
		}
	}

	if rt != nil {
		if err := rt.Close(ctx); err != nil {
			slog.Warn("Runtime close failed", "error", err)
		}
	}
	if obs != nil {
		if err := obs.Shutdown(ctx); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}
}
