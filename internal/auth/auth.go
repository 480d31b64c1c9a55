// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package auth authenticates admin basic-auth requests and bearer tokens
// issued by GET /token, and issues new tokens (spec §6 Admin table).
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"microq/internal/ctxkeys"
	"microq/internal/models"
	"microq/internal/store"
	pkgauth "microq/pkg/auth"
)

// TokenDuration is how long a bearer token issued by GET /token remains
// valid (spec §6: "valid 600 s").
const TokenDuration = 600 * time.Second

// Authenticator resolves the caller identity for a request, either from
// HTTP basic auth or a bearer token.
type Authenticator struct {
	store *store.DB
}

// New builds an Authenticator backed by db.
func New(db *store.DB) *Authenticator {
	return &Authenticator{store: db}
}

// AuthenticateRequest resolves the user from a bearer token (X-Auth-Token
// or "Bearer " Authorization header) first, then HTTP basic auth.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*models.User, error) {
	if token := bearerToken(r); token != "" {
		return a.AuthenticateToken(r.Context(), token)
	}
	if username, password, ok := r.BasicAuth(); ok {
		return a.AuthenticateBasic(r.Context(), username, password)
	}
	return nil, fmt.Errorf("no authentication provided")
}

func bearerToken(r *http.Request) string {
	if t := r.Header.Get("X-Auth-Token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// AuthenticateToken validates a bearer token and returns its owning user.
func (a *Authenticator) AuthenticateToken(ctx context.Context, token string) (*models.User, error) {
	user, err := a.store.GetUserByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("invalid or expired token")
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user is disabled")
	}
	return user, nil
}

// AuthenticateBasic validates HTTP basic-auth credentials.
func (a *Authenticator) AuthenticateBasic(ctx context.Context, username, password string) (*models.User, error) {
	user, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	if !user.Enabled {
		return nil, fmt.Errorf("user is disabled")
	}
	if err := pkgauth.VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}
	return user, nil
}

// IssueToken mints a new bearer token for userID, valid for TokenDuration.
func (a *Authenticator) IssueToken(ctx context.Context, userID string) (*models.Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := time.Now().UTC()
	tok := &models.Token{
		Value:     value,
		UserID:    userID,
		ExpiresAt: now.Add(TokenDuration),
		CreatedAt: now,
	}
	if err := a.store.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return tok, nil
}

// CreateUser hashes password and inserts a new user row.
func (a *Authenticator) CreateUser(ctx context.Context, username, password, role string) (*models.User, error) {
	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// RequireAuth is HTTP middleware enforcing that some identity resolved;
// handlers needing admin additionally check models.AdminRole themselves.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.AuthenticateRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="microq"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		ctx := context.WithValue(r.Context(), ctxkeys.User, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext extracts the authenticated user set by RequireAuth.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(ctxkeys.User).(*models.User)
	return u, ok
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
