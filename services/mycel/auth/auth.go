// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auth validates tenant API keys and attaches the tenant identity
// to the request context. Keys travel in the X-API-Key header; only their
// SHA-256 hash ever touches the database or the logs.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// HeaderAPIKey is the request header carrying the tenant API key.
const HeaderAPIKey = "X-API-Key"

// ScopeAdmin marks keys allowed to run maintenance operations.
const ScopeAdmin = "admin"

// Context keys set by the middleware.
const (
	ctxKeyTenantID  = "mycel.tenant_id"
	ctxKeyScopes    = "mycel.scopes"
	ctxKeyRateLimit = "mycel.rate_limit_per_minute"
)

// ErrInvalidKey covers missing, unknown, expired, and revoked keys.
var ErrInvalidKey = errors.New("invalid or expired api key")

// KeyStore is the slice of the graph store the validator needs.
type KeyStore interface {
	LookupAPIKey(ctx context.Context, keyHash string) (store.APIKeyInfo, error)
	TouchAPIKey(ctx context.Context, keyID int64) error
}

// Identity is the validated caller.
type Identity struct {
	TenantID           string
	Scopes             []string
	RateLimitPerMinute int
}

// HasScope reports whether the identity carries the named scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HashAPIKey returns the SHA-256 hex digest of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Validator checks API keys against the store.
type Validator struct {
	keys   KeyStore
	logger *slog.Logger
}

// NewValidator builds a Validator.
func NewValidator(keys KeyStore, logger *slog.Logger) *Validator {
	return &Validator{keys: keys, logger: logger}
}

// Validate resolves an API key to an Identity.
//
// # Description
//
// The key hash is looked up joined against active tenants, then checked for
// expiry and revocation. A successful validation updates last_used_at, but
// a failure there does not fail the request. Returns ErrInvalidKey for all
// rejection causes so callers cannot distinguish unknown from revoked keys.
func (v *Validator) Validate(ctx context.Context, apiKey string) (Identity, error) {
	if apiKey == "" {
		return Identity{}, ErrInvalidKey
	}

	info, err := v.keys.LookupAPIKey(ctx, HashAPIKey(apiKey))
	if errors.Is(err, store.ErrNotFound) {
		v.logger.Warn("api key not found", slog.String("key_prefix", keyPrefix(apiKey)))
		return Identity{}, ErrInvalidKey
	}
	if err != nil {
		return Identity{}, fmt.Errorf("validating api key: %w", err)
	}

	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		v.logger.Warn("api key expired", slog.String("key_prefix", keyPrefix(apiKey)))
		return Identity{}, ErrInvalidKey
	}
	if info.Status != "active" {
		v.logger.Warn("api key not active",
			slog.String("key_prefix", keyPrefix(apiKey)),
			slog.String("status", info.Status))
		return Identity{}, ErrInvalidKey
	}

	if err := v.keys.TouchAPIKey(ctx, info.ID); err != nil {
		v.logger.Warn("failed to update key last_used_at", slog.String("error", err.Error()))
	}

	return Identity{
		TenantID:           info.TenantID,
		Scopes:             info.Scopes,
		RateLimitPerMinute: info.RateLimitPerMinute,
	}, nil
}

// Middleware returns the gin handler enforcing API-key auth on every route
// it wraps. On success the tenant identity is stored in the gin context.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			c.Header("WWW-Authenticate", "ApiKey")
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"detail": "Missing X-API-Key header"})
			return
		}

		id, err := v.Validate(c.Request.Context(), apiKey)
		if errors.Is(err, ErrInvalidKey) {
			c.Header("WWW-Authenticate", "ApiKey")
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"detail": "Invalid or expired API key"})
			return
		}
		if err != nil {
			v.logger.Error("auth backend unavailable", slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"detail": "Authentication service not available"})
			return
		}

		SetIdentity(c, id)
		c.Next()
	}
}

// SetIdentity stores a validated identity on the gin context.
func SetIdentity(c *gin.Context, id Identity) {
	c.Set(ctxKeyTenantID, id.TenantID)
	c.Set(ctxKeyScopes, id.Scopes)
	c.Set(ctxKeyRateLimit, id.RateLimitPerMinute)
}

// RequireAdmin gates maintenance endpoints behind the admin scope. Must run
// after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFrom(c)
		if !id.HasScope(ScopeAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				gin.H{"detail": "Admin scope required"})
			return
		}
		c.Next()
	}
}

// IdentityFrom reads the validated identity off the gin context. Zero value
// when the auth middleware did not run.
func IdentityFrom(c *gin.Context) Identity {
	id := Identity{}
	if v, ok := c.Get(ctxKeyTenantID); ok {
		id.TenantID, _ = v.(string)
	}
	if v, ok := c.Get(ctxKeyScopes); ok {
		id.Scopes, _ = v.([]string)
	}
	if v, ok := c.Get(ctxKeyRateLimit); ok {
		id.RateLimitPerMinute, _ = v.(int)
	}
	return id
}

// TenantFrom is shorthand for IdentityFrom(c).TenantID.
func TenantFrom(c *gin.Context) string {
	return IdentityFrom(c).TenantID
}

func keyPrefix(apiKey string) string {
	if len(apiKey) <= 12 {
		return apiKey
	}
	return apiKey[:12] + "..."
}
