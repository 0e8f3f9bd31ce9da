// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and checks the HS256 bearer tokens terminals present to
// the ingest server.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "supawave-pos"

// JWTAuth signs and validates terminal tokens with a shared secret.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims identifies a terminal (did) acting for a merchant (sub).
type JWTClaims struct {
	TerminalID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for terminalID valid for expiration.
func (j *JWTAuth) GenerateToken(merchantID, terminalID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		TerminalID: terminalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   merchantID,
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
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.TerminalID == "" {
			return nil, fmt.Errorf("missing did (terminal ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (merchant ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware rejects requests without a valid bearer token and stores the
// terminal and merchant IDs in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := SetMerchantID(r.Context(), claims.Subject)
		ctx = SetTerminalID(ctx, claims.TerminalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenSource returns a func that mints tokens for one terminal and reuses
// each until it is within a minute of expiry.
func (j *JWTAuth) TokenSource(merchantID, terminalID string, ttl time.Duration) func(context.Context) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	var (
		mu      sync.Mutex
		current string
		expires time.Time
	)
	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if current != "" && time.Until(expires) > time.Minute {
			return current, nil
		}
		tok, err := j.GenerateToken(merchantID, terminalID, ttl)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}
		current, expires = tok, time.Now().Add(ttl)
		return current, nil
	}
}

// StaticToken returns a token func that always yields tok.
func StaticToken(tok string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return tok, nil }
}
