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
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Validator validates JWT tokens from an external identity provider.
// Public keys are fetched from the provider's JWKS endpoint, cached,
// and refreshed in the background so key rotation needs no restart.
type Validator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// JWKSURL is the provider's key set endpoint.
	JWKSURL string

	// Issuer every token must carry.
	Issuer string

	// Audience every token must carry.
	Audience string

	// RefreshInterval is the minimum time between JWKS refreshes.
	// Defaults to 15 minutes.
	RefreshInterval time.Duration
}

// NewValidator creates a Validator and fetches the JWKS once to fail
// fast on a bad endpoint. The context controls the background refresh
// goroutine; cancel it to stop refreshing.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &Validator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}, nil
}

// ValidateToken checks the token's signature against the cached JWKS
// and verifies expiry, issuer, and audience.
func (v *Validator) ValidateToken(ctx context.Context, raw string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(raw),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	private := token.PrivateClaims()
	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any, len(private)),
	}
	for key, value := range private {
		if s, ok := value.(string); ok {
			switch key {
			case "email":
				claims.Email = s
				continue
			case "role":
				claims.Role = s
				continue
			case "tenant_id":
				claims.TenantID = s
				continue
			}
		}
		claims.Custom[key] = value
	}

	return claims, nil
}
