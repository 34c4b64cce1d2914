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

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// agentCardSuffix is the discovery document path. Agent cards are
// always public: A2A clients must be able to read capabilities and
// security requirements before they can authenticate.
const agentCardSuffix = "/.well-known/agent-card.json"

// TokenValidator validates a bearer token and returns its claims.
// *Validator implements it; servers depend on the interface.
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (*Claims, error)
}

var _ TokenValidator = (*Validator)(nil)

// MiddlewareConfig controls which requests the middleware lets through
// without a token.
type MiddlewareConfig struct {
	// ExcludedPaths are matched exactly against the request path and
	// skip authentication entirely.
	ExcludedPaths []string

	// RequireAuth rejects requests without a token. When false,
	// requests without a token proceed without claims; a token that is
	// present but invalid is still rejected.
	RequireAuth bool
}

// Middleware returns HTTP middleware that validates bearer tokens and
// stores the claims on the request context.
func Middleware(v TokenValidator, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	excluded := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := excluded[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasSuffix(r.URL.Path, agentCardSuffix) {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := bearerToken(r)
			if err != nil {
				if !cfg.RequireAuth {
					next.ServeHTTP(w, r)
					return
				}
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}

			claims, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// Middleware returns HTTP middleware backed by this validator.
func (v *Validator) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return Middleware(v, cfg)
}

// RequireRole returns middleware that rejects authenticated users
// without one of the given roles. It must run after Middleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, ErrUnauthorized)
				return
			}
			if !claims.HasAnyRole(roles...) {
				writeAuthError(w, http.StatusForbidden, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenant returns middleware that rejects authenticated users
// outside the given tenants. It must run after Middleware.
func RequireTenant(tenants ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, ErrUnauthorized)
				return
			}
			for _, tenant := range tenants {
				if claims.TenantID == tenant {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeAuthError(w, http.StatusForbidden, ErrForbidden)
		})
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}

	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
