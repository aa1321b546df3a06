// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package propagation

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/hyphae-ai/mycelnet/services/mycel/storage/badger"
)

// Neighbor-cap parameters: the cap scales with graph size so dense tenants
// fan out wider, bounded to keep routing cost predictable.
const (
	capMin      = 20
	capMax      = 50
	capDivisor  = 10
	capCacheTTL = 5 * time.Minute
)

// EdgeCounter supplies the tenant's total edge count.
type EdgeCounter interface {
	TotalEdges(ctx context.Context, tenantID string) (int64, error)
}

// CapCache computes the dynamic neighbor cap per tenant and caches it in
// the embedded store for five minutes. Counting edges on every broadcast
// would put a COUNT(*) on the hot path.
type CapCache struct {
	db     *badger.DB
	edges  EdgeCounter
	logger *slog.Logger
}

// NewCapCache builds a CapCache.
func NewCapCache(db *badger.DB, edges EdgeCounter, logger *slog.Logger) *CapCache {
	return &CapCache{db: db, edges: edges, logger: logger}
}

// NeighborCap returns clamp(total_edges/10, 20, 50) for the tenant, served
// from cache when fresh. A cache failure falls back to a direct count; a
// count failure falls back to the minimum cap.
func (c *CapCache) NeighborCap(ctx context.Context, tenantID string) int {
	key := []byte("ncap:" + tenantID)

	if raw, err := c.db.Get(ctx, key); err == nil {
		if cap, err := decodeCap(raw); err == nil {
			return cap
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		c.logger.Warn("neighbor cap cache read failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
	}

	total, err := c.edges.TotalEdges(ctx, tenantID)
	if err != nil {
		c.logger.Warn("edge count failed, using minimum neighbor cap",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return capMin
	}

	cap := clampCap(int(total / capDivisor))

	raw, err := encodeCap(cap)
	if err == nil {
		if err := c.db.SetWithTTL(ctx, key, raw, capCacheTTL); err != nil {
			c.logger.Warn("neighbor cap cache write failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()))
		}
	}
	return cap
}

func clampCap(v int) int {
	if v < capMin {
		return capMin
	}
	if v > capMax {
		return capMax
	}
	return v
}

func encodeCap(cap int) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cap); err != nil {
		return nil, fmt.Errorf("encoding neighbor cap: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeCap(raw []byte) (int, error) {
	var cap int
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cap); err != nil {
		return 0, fmt.Errorf("decoding neighbor cap: %w", err)
	}
	return cap, nil
}
