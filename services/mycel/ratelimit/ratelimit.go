// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit enforces per-tenant request limits with a Redis
// sliding-window counter. Each tenant's requests for the current minute
// bucket live in a sorted set scored by timestamp; the window slides by
// trimming entries older than 60 seconds before counting.
//
// The limiter fails open: if Redis is down, requests pass with a warning.
// Quota accounting must never be the reason the substrate is unavailable.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
)

const (
	// DefaultLimitPerMinute applies when a key carries no limit of its own.
	DefaultLimitPerMinute = 1000

	windowSeconds = 60
	keyTTL        = 120 * time.Second
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds; meaningful only when !Allowed
}

// Limiter is the Redis-backed sliding-window limiter.
//
// # Thread Safety
//
// Safe for concurrent use.
type Limiter struct {
	rdb          *redis.Client
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// New connects to Redis from a URL and returns a Limiter.
func New(redisURL string, defaultLimit int, logger *slog.Logger) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	return NewWithClient(redis.NewClient(opts), defaultLimit, logger), nil
}

// NewWithClient wraps an existing Redis client. Used by tests.
func NewWithClient(client *redis.Client, defaultLimit int, logger *slog.Logger) *Limiter {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimitPerMinute
	}
	return &Limiter{rdb: client, defaultLimit: defaultLimit, logger: logger, now: time.Now}
}

// Close releases the Redis connection.
func (l *Limiter) Close() error {
	return l.rdb.Close()
}

// Health reports Redis connectivity.
func (l *Limiter) Health(ctx context.Context) bool {
	return l.rdb.Ping(ctx).Err() == nil
}

// Check runs one sliding-window check for a tenant. limit <= 0 selects the
// default. Redis errors fail open.
func (l *Limiter) Check(ctx context.Context, tenantID string, limit int) Decision {
	if limit <= 0 {
		limit = l.defaultLimit
	}

	now := l.now()
	nowSec := float64(now.UnixNano()) / 1e9
	windowStart := nowSec - windowSeconds
	key := fmt.Sprintf("rate:%s:%d", tenantID, now.Unix()/windowSeconds)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(windowStart, 'f', -1, 64))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: nowSec, Member: uuid.NewString()})
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate limiter failing open",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}

	count := int(countCmd.Val())
	if count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: l.retryAfter(ctx, key, nowSec),
		}
	}

	remaining := limit - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}
}

// retryAfter estimates seconds until the oldest entry slides out of the
// window. Falls back to 1 when the set cannot be read.
func (l *Limiter) retryAfter(ctx context.Context, key string, nowSec float64) int {
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 1
	}
	retry := int(windowSeconds - (nowSec - oldest[0].Score))
	if retry < 1 {
		retry = 1
	}
	return retry
}

// Middleware enforces the limit for authenticated requests. Must run after
// the auth middleware; requests without a tenant pass through untouched.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := auth.IdentityFrom(c)
		if id.TenantID == "" {
			c.Next()
			return
		}

		d := l.Check(c.Request.Context(), id.TenantID, id.RateLimitPerMinute)
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			metrics.RecordRateLimited(id.TenantID)
			c.Header("Retry-After", strconv.Itoa(d.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail":      "Rate limit exceeded",
				"retry_after": d.RetryAfter,
			})
			return
		}
		c.Next()
	}
}
