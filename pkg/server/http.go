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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"

	"github.com/ensembleworks/ensemble/pkg/auth"
	"github.com/ensembleworks/ensemble/pkg/config"
	"github.com/ensembleworks/ensemble/pkg/observability"
)

// defaultVersion is advertised on agent cards when the configuration
// carries no version.
const defaultVersion = "0.1.0"

// agentHandlers are the a2a-go native handlers serving one agent.
type agentHandlers struct {
	rpc  http.Handler
	card http.Handler
}

// HTTPServer serves the A2A protocol surface: one JSON-RPC endpoint and
// agent card per addressable agent, plus discovery, health, config
// schema, and metrics endpoints.
//
// An HTTPServer is immutable after construction. Configuration reloads
// build a fresh server against the new runtime.
type HTTPServer struct {
	cfg       *config.Config
	validator auth.TokenValidator
	obs       *observability.Manager

	handlers    map[string]agentHandlers
	cards       map[string]*a2a.AgentCard
	defaultCard http.Handler

	server *http.Server
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithValidator installs JWT validation. Requests carry claims on their
// context, and internal agents require a valid token.
func WithValidator(v auth.TokenValidator) HTTPServerOption {
	return func(s *HTTPServer) {
		s.validator = v
	}
}

// WithObservability installs tracing, HTTP metrics, and the Prometheus
// endpoint.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) {
		s.obs = obs
	}
}

// NewHTTPServer builds the protocol surface for a runtime.
func NewHTTPServer(rt *Runtime, opts ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{
		cfg:      rt.Config(),
		handlers: make(map[string]agentHandlers),
		cards:    make(map[string]*a2a.AgentCard),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buildAgentHandlers(rt)
	return s
}

// buildAgentHandlers creates a card and a JSON-RPC handler per
// addressable agent and orchestrator.
func (s *HTTPServer) buildAgentHandlers(rt *Runtime) {
	for _, name := range s.cfg.ListAgents() {
		ac := s.cfg.Agents[name]
		s.addAgent(rt, name, ac.Description, agentSkill(name, ac))
	}
	for _, name := range s.cfg.ListOrchestrators() {
		oc := s.cfg.Orchestrators[name]
		s.addAgent(rt, name, oc.Description, orchestratorSkill(name, oc))
	}

	// The root well-known path serves the first public agent, so
	// single-agent clients can discover the server without knowing
	// agent names.
	for _, name := range append(s.cfg.ListAgents(), s.cfg.ListOrchestrators()...) {
		if vis, _ := s.visibility(name); vis == config.VisibilityPublic || vis == "" {
			if h, ok := s.handlers[name]; ok {
				s.defaultCard = h.card
				break
			}
		}
	}
}

func (s *HTTPServer) addAgent(rt *Runtime, name, description string, skill a2a.AgentSkill) {
	exec, ok := rt.Executor(name)
	if !ok {
		slog.Warn("No executor for agent, skipping", "agent", name)
		return
	}

	card := s.buildCard(name, description, skill)

	var handlerOpts []a2asrv.RequestHandlerOption
	if store := rt.TaskStore(); store != nil {
		handlerOpts = append(handlerOpts, a2asrv.WithTaskStore(store))
	}
	requestHandler := a2asrv.NewHandler(exec, handlerOpts...)

	s.handlers[name] = agentHandlers{
		rpc:  a2asrv.NewJSONRPCHandler(requestHandler),
		card: a2asrv.NewStaticAgentCardHandler(card),
	}
	s.cards[name] = card
}

// buildCard assembles the A2A agent card advertised for one agent.
func (s *HTTPServer) buildCard(name, description string, skill a2a.AgentSkill) *a2a.AgentCard {
	version := s.cfg.Version
	if version == "" {
		version = defaultVersion
	}

	card := &a2a.AgentCard{
		Name:               name,
		Description:        description,
		URL:                s.cfg.Server.ExternalURL() + "/agents/" + name,
		Version:            version,
		ProtocolVersion:    "0.3.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             []a2a.AgentSkill{skill},
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Provider: &a2a.AgentProvider{
			Org: "Ensemble",
			URL: "https://github.com/ensembleworks/ensemble",
		},
	}

	// A2A clients read the security requirements off the card before
	// they authenticate.
	if s.validator != nil && s.cfg.Server.Auth.IsEnabled() {
		card.SecuritySchemes = a2a.NamedSecuritySchemes{
			"BearerAuth": a2a.HTTPAuthSecurityScheme{
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT bearer token",
			},
		}
		card.Security = []a2a.SecurityRequirements{
			{"BearerAuth": a2a.SecuritySchemeScopes{}},
		}
	}

	return card
}

func agentSkill(name string, ac *config.AgentConfig) a2a.AgentSkill {
	tags := []string{"agent"}
	if ac.Type == config.AgentTypeRemote {
		tags = append(tags, "remote")
	}
	if len(ac.Tools) > 0 {
		tags = append(tags, "tools")
	}
	return a2a.AgentSkill{
		ID:          name,
		Name:        name,
		Description: ac.Description,
		Tags:        tags,
	}
}

func orchestratorSkill(name string, oc *config.OrchestratorConfig) a2a.AgentSkill {
	kind := "pipeline"
	if oc.Type == config.OrchestratorTypePlanner {
		kind = "planner"
	}
	return a2a.AgentSkill{
		ID:          name,
		Name:        name,
		Description: oc.Description,
		Tags:        []string{"orchestration", kind},
	}
}

// routes builds the router with the full middleware chain.
func (s *HTTPServer) routes() http.Handler {
	r := chi.NewRouter()

	// Outermost first: observability sees every request, logging sees
	// everything that survives tracing, auth runs just before routing
	// so CORS preflight never needs a token.
	if s.obs != nil {
		r.Use(observability.HTTPMiddleware(s.obs.Tracer("ensemble.server"), s.obs.Metrics()))
	}
	r.Use(requestLogger)
	r.Use(s.corsMiddleware)
	if s.validator != nil {
		mwCfg := auth.MiddlewareConfig{RequireAuth: true}
		if s.cfg.Server.Auth != nil {
			mwCfg = auth.MiddlewareConfigFromConfig(s.cfg.Server.Auth)
		}
		mwCfg.ExcludedPaths = append(mwCfg.ExcludedPaths, s.openPaths()...)
		r.Use(auth.Middleware(s.validator, mwCfg))
		slog.Info("Authentication enabled", "excluded_paths", mwCfg.ExcludedPaths)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/api/schema", s.handleSchema)
	r.Get(a2asrv.WellKnownAgentCardPath, s.handleDefaultCard)
	r.Get("/agents", s.handleDiscovery)

	r.Route("/agents/{agent}", func(r chi.Router) {
		r.Use(s.visibilityGate)
		r.Post("/", s.handleRPC)
		r.Get("/", s.handleCard)
		r.Get(a2asrv.WellKnownAgentCardPath, s.handleCard)
	})

	if s.obs != nil && s.cfg.Observability.Metrics.Enabled {
		endpoint := s.metricsEndpoint()
		r.Handle(endpoint, s.obs.MetricsHandler())
		slog.Info("Metrics endpoint enabled", "path", endpoint)
	}

	return r
}

// openPaths are served without a token even when auth requires one.
// Discovery stays reachable so clients can find public agents; the
// discovery handler applies its own visibility filtering.
func (s *HTTPServer) openPaths() []string {
	paths := []string{"/health", "/agents"}
	if s.obs != nil && s.cfg.Observability.Metrics.Enabled {
		paths = append(paths, s.metricsEndpoint())
	}
	return paths
}

func (s *HTTPServer) metricsEndpoint() string {
	if e := s.cfg.Observability.Metrics.Endpoint; e != "" {
		return e
	}
	return "/metrics"
}

// Start serves until the context is canceled or the listener fails.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	tlsCfg := s.cfg.Server.TLS
	useTLS := tlsCfg != nil && tlsCfg.Enabled

	slog.Info("HTTP server starting",
		"address", s.server.Addr,
		"url", s.cfg.Server.ExternalURL(),
		"agents", len(s.handlers),
		"tls", useTLS,
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests, bounded by the configured
// shutdown timeout.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// Address returns the bind address.
func (s *HTTPServer) Address() string {
	return s.cfg.Server.Address()
}

// visibility looks up the named agent's visibility. The bool reports
// whether the name is addressable at all.
func (s *HTTPServer) visibility(name string) (config.Visibility, bool) {
	if ac, ok := s.cfg.GetAgent(name); ok {
		return ac.Visibility, true
	}
	if oc, ok := s.cfg.Orchestrators[name]; ok {
		return oc.Visibility, true
	}
	return "", false
}

// authorized reports whether the request carries valid credentials. The
// auth middleware may already have attached claims; card requests and
// optional-auth requests arrive without them and get one direct check.
func (s *HTTPServer) authorized(r *http.Request) bool {
	if auth.ClaimsFromContext(r.Context()) != nil {
		return true
	}
	if s.validator == nil {
		// Without a validator there is no identity to check, so
		// internal visibility degrades to trusted-network semantics.
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return false
	}
	_, err := s.validator.ValidateToken(r.Context(), token)
	return err == nil
}

// visibilityGate enforces per-agent visibility. Private agents are
// served as 404 so their existence is not leaked; internal agents
// require credentials.
func (s *HTTPServer) visibilityGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "agent")
		vis, ok := s.visibility(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch vis {
		case config.VisibilityPrivate:
			http.NotFound(w, r)
			return
		case config.VisibilityInternal:
			if !s.authorized(r) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"error": "agent requires authentication",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handlers[chi.URLParam(r, "agent")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.rpc.ServeHTTP(w, r)
}

func (s *HTTPServer) handleCard(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handlers[chi.URLParam(r, "agent")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.card.ServeHTTP(w, r)
}

func (s *HTTPServer) handleDefaultCard(w http.ResponseWriter, r *http.Request) {
	if s.defaultCard == nil {
		http.Error(w, "no public agents configured", http.StatusNotFound)
		return
	}
	s.defaultCard.ServeHTTP(w, r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSchema serves the configuration JSON schema, generated fresh so
// it always matches the running binary.
func (s *HTTPServer) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(config.JSONSchema()); err != nil {
		slog.Error("Failed to encode config schema", "error", err)
	}
}

// handleDiscovery lists the cards of every agent the caller may see.
// Public agents are always listed; internal agents only with valid
// credentials; private agents never.
func (s *HTTPServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	authorized := s.authorized(r)

	cards := make([]*a2a.AgentCard, 0, len(s.cards))
	for _, name := range append(s.cfg.ListAgents(), s.cfg.ListOrchestrators()...) {
		card, ok := s.cards[name]
		if !ok {
			continue
		}
		switch vis, _ := s.visibility(name); vis {
		case config.VisibilityPrivate:
			continue
		case config.VisibilityInternal:
			if !authorized {
				continue
			}
		}
		cards = append(cards, card)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": cards,
		"total":  len(cards),
	})
}

// corsMiddleware applies the configured CORS policy and answers
// preflight requests.
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cors := s.cfg.Server.CORS
		if cors != nil {
			if origin := r.Header.Get("Origin"); origin != "" {
				for _, allowed := range cors.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			if len(cors.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(cors.AllowedMethods, ", "))
			}
			if len(cors.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(cors.AllowedHeaders, ", "))
			}
			if cors.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs requests without wrapping the ResponseWriter,
// which would hide http.Flusher from SSE streams.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
