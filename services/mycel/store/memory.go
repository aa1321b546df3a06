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
	"time"

	"github.com/jackc/pgx/v5"
)

// MemorySearch carries the parameters of a vector similarity search over
// hyphal_memory.
type MemorySearch struct {
	Embedding   []float32
	TopK        int
	MinQuality  float64
	KindFilter  string
	AgentFilter string
}

// InsertMemory stores one memory row and returns it with the generated id
// and created_at.
func (s *Store) InsertMemory(ctx context.Context, m Memory) (Memory, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hyphal_memory (
			tenant_id, agent_id, task_id, trace_id, kind, content,
			embedding, quality, sensitivity, encrypted, expires_at, metadata
		)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6::jsonb,
		        $7::vector, $8, $9, $10, $11, $12::jsonb)
		RETURNING id, created_at`,
		m.TenantID, m.AgentID, m.TaskID, m.TraceID, m.Kind, m.Content,
		vectorLiteral(m.Embedding), m.Quality, m.Sensitivity, m.Encrypted,
		m.ExpiresAt, m.Metadata).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Memory{}, fmt.Errorf("inserting memory: %w", err)
	}
	return m, nil
}

// SearchMemory runs a pgvector cosine search over a tenant's unexpired
// memories. Similarity is 1 - cosine distance, so 1.0 is identical.
func (s *Store) SearchMemory(ctx context.Context, tenantID string, q MemorySearch) ([]MemoryHit, error) {
	query := `
		SELECT id, agent_id, kind, content, quality, sensitivity, encrypted,
		       metadata, created_at, expires_at,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM hyphal_memory
		WHERE tenant_id = $2
		  AND quality >= $3
		  AND (expires_at IS NULL OR expires_at > NOW())`
	args := []any{vectorLiteral(q.Embedding), tenantID, q.MinQuality}

	if q.KindFilter != "" {
		args = append(args, q.KindFilter)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if q.AgentFilter != "" {
		args = append(args, q.AgentFilter)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}

	args = append(args, q.TopK)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryHit
	for rows.Next() {
		h := MemoryHit{Memory: Memory{TenantID: tenantID}}
		if err := rows.Scan(&h.ID, &h.AgentID, &h.Kind, &h.Content, &h.Quality,
			&h.Sensitivity, &h.Encrypted, &h.Metadata, &h.CreatedAt, &h.ExpiresAt,
			&h.Similarity); err != nil {
			return nil, fmt.Errorf("scanning memory hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetMemory returns one memory by id, or ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, tenantID, memoryID string) (Memory, error) {
	m := Memory{TenantID: tenantID}
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, COALESCE(task_id, ''), COALESCE(trace_id, ''),
		       kind, content, quality, sensitivity, encrypted, metadata,
		       created_at, expires_at
		FROM hyphal_memory
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, memoryID).Scan(
		&m.ID, &m.AgentID, &m.TaskID, &m.TraceID, &m.Kind, &m.Content,
		&m.Quality, &m.Sensitivity, &m.Encrypted, &m.Metadata,
		&m.CreatedAt, &m.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Memory{}, ErrNotFound
	}
	if err != nil {
		return Memory{}, fmt.Errorf("loading memory %s: %w", memoryID, err)
	}
	return m, nil
}

// DeleteMemory removes one memory; ErrNotFound when no row matched.
func (s *Store) DeleteMemory(ctx context.Context, tenantID, memoryID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM hyphal_memory WHERE tenant_id = $1 AND id = $2`,
		tenantID, memoryID)
	if err != nil {
		return fmt.Errorf("deleting memory %s: %w", memoryID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgentMemories returns an agent's unexpired memories, newest first,
// optionally filtered by kind.
func (s *Store) ListAgentMemories(ctx context.Context, tenantID, agentID, kind string, limit int) ([]Memory, error) {
	query := `
		SELECT id, agent_id, kind, content, quality, sensitivity, encrypted,
		       metadata, created_at, expires_at
		FROM hyphal_memory
		WHERE tenant_id = $1 AND agent_id = $2
		  AND (expires_at IS NULL OR expires_at > NOW())`
	args := []any{tenantID, agentID}

	if kind != "" {
		args = append(args, kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing memories for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m := Memory{TenantID: tenantID}
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Kind, &m.Content, &m.Quality,
			&m.Sensitivity, &m.Encrypted, &m.Metadata, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CleanupExpired runs the cleanup_expired_memory() maintenance function and
// returns the number of memories deleted.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var deleted int64
	if err := s.pool.QueryRow(ctx, `SELECT cleanup_expired_memory()`).Scan(&deleted); err != nil {
		return 0, fmt.Errorf("running expired-memory cleanup: %w", err)
	}
	return deleted, nil
}

// ExpiresFromTTL converts an optional TTL in hours to an absolute deadline.
func ExpiresFromTTL(now time.Time, ttlHours int) *time.Time {
	if ttlHours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(ttlHours) * time.Hour)
	return &t
}
