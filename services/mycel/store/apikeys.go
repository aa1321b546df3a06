// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LookupAPIKey finds a key by its SHA-256 hash, joined against active
// tenants. ErrNotFound means no matching key under an active tenant.
func (s *Store) LookupAPIKey(ctx context.Context, keyHash string) (APIKeyInfo, error) {
	var info APIKeyInfo
	var rateLimit *int
	err := s.pool.QueryRow(ctx, `
		SELECT k.id, k.tenant_id, k.scopes, k.rate_limit_per_minute,
		       k.status, k.expires_at
		FROM api_keys k
		JOIN tenants t ON k.tenant_id = t.id
		WHERE k.key_hash = $1 AND t.status = 'active'`,
		keyHash).Scan(&info.ID, &info.TenantID, &info.Scopes, &rateLimit,
		&info.Status, &info.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKeyInfo{}, ErrNotFound
	}
	if err != nil {
		return APIKeyInfo{}, fmt.Errorf("looking up api key: %w", err)
	}
	if rateLimit != nil {
		info.RateLimitPerMinute = *rateLimit
	}
	return info, nil
}

// TouchAPIKey updates the key's last_used_at timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, keyID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}
