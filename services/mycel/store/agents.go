// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertAgent registers or refreshes an agent profile.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}
	tasks, err := json.Marshal(a.RecentTasks)
	if err != nil {
		return fmt.Errorf("marshaling recent tasks: %w", err)
	}

	var embedding any
	if len(a.ProfileEmbedding) > 0 {
		embedding = vectorLiteral(a.ProfileEmbedding)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agents (id, tenant_id, name, profile_embedding, capabilities,
		                    recent_tasks, status, region)
		VALUES ($1, $2, $3, $4::vector, $5::jsonb, $6::jsonb, 'active', $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			profile_embedding = COALESCE(EXCLUDED.profile_embedding, agents.profile_embedding),
			capabilities = EXCLUDED.capabilities,
			recent_tasks = EXCLUDED.recent_tasks,
			status = 'active',
			region = EXCLUDED.region,
			updated_at = NOW()`,
		a.ID, a.TenantID, a.Name, embedding, caps, tasks, a.Region)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent returns one agent, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, tenantID, agentID string) (Agent, error) {
	a := Agent{TenantID: tenantID}
	var embText string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(profile_embedding::text, ''),
		       capabilities, recent_tasks, status, region, created_at, updated_at
		FROM agents
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, agentID).Scan(
		&a.ID, &a.Name, &embText, &a.Capabilities, &a.RecentTasks,
		&a.Status, &a.Region, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("loading agent %s: %w", agentID, err)
	}
	if embText != "" {
		if a.ProfileEmbedding, err = parseVector(embText); err != nil {
			return Agent{}, fmt.Errorf("parsing agent embedding: %w", err)
		}
	}
	return a, nil
}

// ListAgents returns a tenant's agents, newest first. Embeddings are not
// loaded; listing is a directory view.
func (s *Store) ListAgents(ctx context.Context, tenantID string, limit int) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, capabilities, recent_tasks, status, region,
		       created_at, updated_at
		FROM agents
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a := Agent{TenantID: tenantID}
		if err := rows.Scan(&a.ID, &a.Name, &a.Capabilities, &a.RecentTasks,
			&a.Status, &a.Region, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActiveAgents counts a tenant's active agents.
func (s *Store) CountActiveAgents(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE tenant_id = $1 AND status = 'active'`,
		tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active agents: %w", err)
	}
	return count, nil
}

// DeleteAgent removes an agent and its edges in both directions.
func (s *Store) DeleteAgent(ctx context.Context, tenantID, agentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning agent delete: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM agents WHERE tenant_id = $1 AND id = $2`, tenantID, agentID)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM hyphae_edges WHERE tenant_id = $1 AND (src = $2 OR dst = $2)`,
		tenantID, agentID); err != nil {
		return fmt.Errorf("deleting edges for agent %s: %w", agentID, err)
	}

	return tx.Commit(ctx)
}

// UpsertRegionalState records a gossip heartbeat for a tenant/region pair.
// Best effort by design; the caller tolerates failures.
func (s *Store) UpsertRegionalState(ctx context.Context, r RegionalState) error {
	state := r.State
	if len(state) == 0 {
		state = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO regional_state (tenant_id, region, agent_count, edge_count,
		                            avg_weight, state, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NOW())
		ON CONFLICT (tenant_id, region) DO UPDATE SET
			agent_count = EXCLUDED.agent_count,
			edge_count = EXCLUDED.edge_count,
			avg_weight = EXCLUDED.avg_weight,
			state = EXCLUDED.state,
			last_sync_at = NOW()`,
		r.TenantID, r.Region, r.AgentCount, r.EdgeCount, r.AvgWeight, state)
	if err != nil {
		return fmt.Errorf("upserting regional state %s/%s: %w", r.TenantID, r.Region, err)
	}
	return nil
}
