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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testKeyID    = "test-key-id"
	testIssuer   = "https://issuer.ensemble.test"
	testAudience = "ensemble-api"
)

func newTestKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// newJWKSServer serves the public half of key as a JWKS document and
// returns the JWKS URL. The server is closed when the test finishes.
func newJWKSServer(t testing.TB, key *rsa.PrivateKey) string {
	t.Helper()

	pub, err := jwk.FromRaw(key.Public())
	if err != nil {
		t.Fatalf("failed to build JWK: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}

	keyset := jwk.NewSet()
	if err := keyset.AddKey(pub); err != nil {
		t.Fatalf("failed to add key to set: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return server.URL + "/.well-known/jwks.json"
}

// signTestToken signs a token carrying the standard test claims.
// Entries in extra override the defaults, so a test can produce an
// expired token or a wrong issuer by setting "exp" or "iss".
func signTestToken(t testing.TB, key *rsa.PrivateKey, subject string, extra map[string]any) string {
	t.Helper()

	claims := map[string]any{
		jwt.IssuerKey:     testIssuer,
		jwt.AudienceKey:   testAudience,
		jwt.SubjectKey:    subject,
		jwt.IssuedAtKey:   time.Now(),
		jwt.ExpirationKey: time.Now().Add(time.Hour),
	}
	for k, v := range extra {
		claims[k] = v
	}

	token := jwt.New()
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			t.Fatalf("failed to set claim %q: %v", k, err)
		}
	}

	signing, err := jwk.FromRaw(key)
	if err != nil {
		t.Fatalf("failed to build signing key: %v", err)
	}
	if err := signing.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, signing))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

// setupTestValidator starts a JWKS server and returns a validator
// configured against it along with the signing key.
func setupTestValidator(t testing.TB) (*Validator, *rsa.PrivateKey) {
	t.Helper()

	key := newTestKey(t)
	jwksURL := newJWKSServer(t, key)

	validator, err := NewValidator(context.Background(), ValidatorConfig{
		JWKSURL:  jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return validator, key
}
