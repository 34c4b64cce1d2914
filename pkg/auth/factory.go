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

	"github.com/ensembleworks/ensemble/pkg/config"
)

// NewValidatorFromConfig creates a Validator from server configuration.
// Returns nil when authentication is not enabled.
func NewValidatorFromConfig(ctx context.Context, cfg *config.AuthConfig) (*Validator, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	validator, err := NewValidator(ctx, ValidatorConfig{
		JWKSURL:         cfg.JWKSURL,
		Issuer:          cfg.Issuer,
		Audience:        cfg.Audience,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT validator: %w", err)
	}
	return validator, nil
}

// MiddlewareConfigFromConfig builds middleware options from server
// configuration.
func MiddlewareConfigFromConfig(cfg *config.AuthConfig) MiddlewareConfig {
	return MiddlewareConfig{
		ExcludedPaths: cfg.ExcludedPaths,
		RequireAuth:   cfg.IsRequireAuth(),
	}
}
