// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, defaultLimit int) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, defaultLimit, slog.Default())
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := newTestLimiter(t, 1000)

	d := l.Check(context.Background(), "tn-1", 5)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, 4, d.Remaining)
}

func TestCheckBlocksAtLimit(t *testing.T) {
	l := newTestLimiter(t, 1000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := l.Check(ctx, "tn-1", 3)
		require.True(t, d.Allowed, "request %d should pass", i)
	}

	d := l.Check(ctx, "tn-1", 3)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)
	assert.LessOrEqual(t, d.RetryAfter, 60)
}

func TestCheckIsolatesTenants(t *testing.T) {
	l := newTestLimiter(t, 1000)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.True(t, l.Check(ctx, "tn-1", 2).Allowed)
	}
	require.False(t, l.Check(ctx, "tn-1", 2).Allowed)

	assert.True(t, l.Check(ctx, "tn-2", 2).Allowed)
}

func TestCheckUsesDefaultLimit(t *testing.T) {
	l := newTestLimiter(t, 10)

	d := l.Check(context.Background(), "tn-1", 0)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.Limit)
}

func TestCheckFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewWithClient(client, 100, slog.Default())

	mr.Close()

	d := l.Check(context.Background(), "tn-1", 5)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
}

func TestWindowSlides(t *testing.T) {
	l := newTestLimiter(t, 1000)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	require.True(t, l.Check(ctx, "tn-1", 2).Allowed)
	require.True(t, l.Check(ctx, "tn-1", 2).Allowed)
	require.False(t, l.Check(ctx, "tn-1", 2).Allowed)

	// A minute later the window has slid past the earlier requests.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, l.Check(ctx, "tn-1", 2).Allowed)
}
