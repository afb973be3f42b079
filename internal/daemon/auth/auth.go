// Copyright 2025 The Weft Authors
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

// Package auth provides authentication middleware for the daemon API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/weftworks/weft/internal/daemon/httputil"
)

// Authentication modes. ModeNone disables the middleware entirely.
const (
	ModeNone   = "none"
	ModeAPIKey = "api_key"
	ModeBearer = "bearer"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// Identity describes the authenticated caller.
type Identity struct {
	// Subject is the JWT sub claim, or a masked form of the API key.
	Subject string
	// Method is the mode that admitted the request.
	Method string
}

// IdentityFromContext extracts the authenticated identity from the
// request context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// ContextWithIdentity returns a new context carrying the given identity.
// This is primarily for testing purposes.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Config contains authentication configuration.
type Config struct {
	// Mode is one of none, api_key or bearer.
	Mode string

	// APIKeys are the accepted keys in api_key mode.
	APIKeys []string

	// JWTSecret signs bearer tokens in bearer mode (HS256).
	JWTSecret []byte

	// JWTIssuer, when set, is required as the token's iss claim.
	JWTIssuer string

	// ClockSkew tolerates clock drift when validating exp/nbf claims.
	ClockSkew time.Duration
}

// Middleware enforces the configured authentication mode on /v1 routes.
type Middleware struct {
	cfg    Config
	logger *slog.Logger
}

// NewMiddleware creates an auth middleware.
func NewMiddleware(cfg Config, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, logger: logger}
}

// Wrap wraps an http.Handler with authentication. Health checks pass
// through, and callback routes authenticate with their per-run secret
// instead of daemon credentials.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Mode == "" || m.cfg.Mode == ModeNone {
			next.ServeHTTP(w, r)
			return
		}
		if isExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		// Credentials in query parameters end up in access logs.
		if r.URL.Query().Get("api_key") != "" || r.URL.Query().Get("token") != "" {
			m.unauthorized(w, "credentials in query parameters are not supported")
			return
		}

		var (
			id  *Identity
			err error
		)
		switch m.cfg.Mode {
		case ModeAPIKey:
			id, err = m.authenticateKey(r)
		case ModeBearer:
			id, err = m.authenticateBearer(r)
		default:
			err = errors.New("unsupported authentication mode")
		}
		if err != nil {
			m.unauthorized(w, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// isExempt reports whether the route authenticates by other means.
func isExempt(r *http.Request) bool {
	if r.URL.Path == "/v1/health" {
		return true
	}
	return r.Method == http.MethodPost &&
		strings.HasPrefix(r.URL.Path, "/v1/runs/") &&
		strings.Contains(r.URL.Path, "/callback/")
}

// authenticateKey admits requests carrying a configured API key in the
// X-API-Key header or as a bearer token.
func (m *Middleware) authenticateKey(r *http.Request) (*Identity, error) {
	token := extractToken(r)
	if token == "" {
		return nil, errors.New("authentication required")
	}

	// Compare against every configured key without early exit so timing
	// does not reveal which key, if any, matched.
	valid := false
	for _, k := range m.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			valid = true
		}
	}
	if !valid {
		return nil, errors.New("invalid credentials")
	}
	return &Identity{Subject: maskKey(token), Method: ModeAPIKey}, nil
}

// authenticateBearer admits requests carrying a valid HS256 JWT.
func (m *Middleware) authenticateBearer(r *http.Request) (*Identity, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, errors.New("authentication required")
	}

	// Prefix match is case-insensitive per RFC 6750.
	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return nil, errors.New("authorization header must be 'Bearer <token>'")
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	claims, err := ValidateJWT(token, JWTConfig{
		Secret:    m.cfg.JWTSecret,
		Issuer:    m.cfg.JWTIssuer,
		ClockSkew: m.cfg.ClockSkew,
	})
	if err != nil {
		// The parse error can describe the token's contents; log it at
		// debug and give the client a generic rejection.
		m.logger.Debug("bearer token rejected", "error", err)
		return nil, errors.New("invalid credentials")
	}
	return &Identity{Subject: claims.Subject, Method: ModeBearer}, nil
}

// extractToken pulls the credential from the Authorization or X-API-Key
// header. Query parameter credentials are deliberately not supported.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	httputil.WriteError(w, http.StatusUnauthorized, message)
}

// GenerateKey generates a new random API key.
func GenerateKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "weft_" + hex.EncodeToString(bytes), nil
}

// maskKey masks an API key for logs and activity records.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
