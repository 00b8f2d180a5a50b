// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mobiletoly/go-funneltrack/internal/auth"
)

const tokenIssuer = "go-funneltrack"

// JWTAuth handles JWT authentication for the bulk ingest endpoint
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims represents claims of an ingest token. The subject is the client
// application allowed to append events (e.g. "signup-web").
type JWTClaims struct {
	FormTypes []string `json:"forms,omitempty"` // Allowed form types; empty allows all
	jwt.RegisteredClaims
}

// AllowsForm reports whether the token may append events for formType
func (c *JWTClaims) AllowsForm(formType string) bool {
	if len(c.FormTypes) == 0 {
		return true
	}
	for _, f := range c.FormTypes {
		if f == formType {
			return true
		}
	}
	return false
}

// GenerateToken generates an ingest token for clientID
func (j *JWTAuth) GenerateToken(clientID string, formTypes []string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		FormTypes: formTypes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   clientID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (client ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// ClaimsFromRequest extracts and validates the bearer token of r
func (j *JWTAuth) ClaimsFromRequest(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := j.ClaimsFromRequest(r)
		if err != nil {
			slog.Debug("JWT validation failed", "error", err, "remote", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.ID)
		ctx = withClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}

func withClaims(ctx context.Context, claims *JWTClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(ctx context.Context) (*JWTClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*JWTClaims)
	return claims, ok
}
