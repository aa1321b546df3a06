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

// NeighborRow is an edge joined with the destination agent's profile, as
// consumed by the routing engine.
type NeighborRow struct {
	Dst              string
	Weight           float64
	Similarity       float64
	LastUpdate       time.Time
	ProfileEmbedding []float32
	RecentTasks      []string
	Capabilities     []string
}

// LoadNeighbors returns the strongest outgoing edges of src joined with the
// destination agents' profiles, ordered by weight.
func (s *Store) LoadNeighbors(ctx context.Context, tenantID, src string, limit int) ([]NeighborRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.dst, e.w, e.sim, e.last_update,
		       COALESCE(a.profile_embedding::text, ''),
		       COALESCE(a.recent_tasks, '[]'::jsonb),
		       COALESCE(a.capabilities, '[]'::jsonb)
		FROM hyphae_edges e
		JOIN agents a ON a.tenant_id = e.tenant_id AND a.id = e.dst
		WHERE e.tenant_id = $1 AND e.src = $2 AND a.status = 'active'
		ORDER BY e.w DESC
		LIMIT $3`,
		tenantID, src, limit)
	if err != nil {
		return nil, fmt.Errorf("loading neighbors for %s: %w", src, err)
	}
	defer rows.Close()

	var out []NeighborRow
	for rows.Next() {
		var (
			n       NeighborRow
			embText string
		)
		if err := rows.Scan(&n.Dst, &n.Weight, &n.Similarity, &n.LastUpdate,
			&embText, &n.RecentTasks, &n.Capabilities); err != nil {
			return nil, fmt.Errorf("scanning neighbor row: %w", err)
		}
		if embText != "" {
			emb, err := parseVector(embText)
			if err != nil {
				return nil, fmt.Errorf("parsing profile embedding for %s: %w", n.Dst, err)
			}
			n.ProfileEmbedding = emb
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// TotalEdges counts a tenant's edges. Feeds the dynamic neighbor cap.
func (s *Store) TotalEdges(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM hyphae_edges WHERE tenant_id = $1`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting edges: %w", err)
	}
	return count, nil
}

// ReinforceEdge applies fn to one edge under a row lock.
//
// # Description
//
// The edge is read with SELECT ... FOR UPDATE inside a short transaction;
// a missing edge is created first with the new-edge defaults (weight 0.1,
// similarity 0). fn receives the current edge and returns the updated
// weight and reinforcement counters, which are written back together with
// last_update = NOW().
//
// # Outputs
//
//   - Edge: The edge state before fn was applied.
//   - Edge: The edge state written back.
//   - bool: Whether the edge was created by this call.
//   - error: Transaction or query failures.
func (s *Store) ReinforceEdge(ctx context.Context, tenantID, src, dst string, fn func(Edge) Edge) (Edge, Edge, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Edge{}, Edge{}, false, fmt.Errorf("beginning edge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created := false
	current := Edge{TenantID: tenantID, Src: src, Dst: dst}

	err = tx.QueryRow(ctx, `
		SELECT w, sim, r_success, r_decay, last_update
		FROM hyphae_edges
		WHERE tenant_id = $1 AND src = $2 AND dst = $3
		FOR UPDATE`,
		tenantID, src, dst).Scan(
		&current.Weight, &current.Similarity, &current.RSuccess, &current.RDecay, &current.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hyphae_edges (tenant_id, src, dst, w, sim, r_success, r_decay)
			VALUES ($1, $2, $3, 0.1, 0.0, 0.0, 0.0)`,
			tenantID, src, dst); err != nil {
			return Edge{}, Edge{}, false, fmt.Errorf("creating edge %s->%s: %w", src, dst, err)
		}
		created = true
		current.Weight = 0.1
	} else if err != nil {
		return Edge{}, Edge{}, false, fmt.Errorf("locking edge %s->%s: %w", src, dst, err)
	}

	updated := fn(current)

	if _, err := tx.Exec(ctx, `
		UPDATE hyphae_edges
		SET w = $1, r_success = $2, r_decay = $3, last_update = NOW()
		WHERE tenant_id = $4 AND src = $5 AND dst = $6`,
		updated.Weight, updated.RSuccess, updated.RDecay, tenantID, src, dst); err != nil {
		return Edge{}, Edge{}, false, fmt.Errorf("updating edge %s->%s: %w", src, dst, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Edge{}, Edge{}, false, fmt.Errorf("committing edge update: %w", err)
	}
	return current, updated, created, nil
}

// StaleEdge is an edge with its age in days, as seen by the decay sweep.
type StaleEdge struct {
	Edge
	DaysStale float64
}

// StaleEdges returns all edges not updated within the cutoff window,
// across tenants, with their staleness in days.
func (s *Store) StaleEdges(ctx context.Context, cutoff time.Duration) ([]StaleEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, src, dst, w, last_update,
		       EXTRACT(EPOCH FROM (NOW() - last_update)) / 86400.0 AS days_stale
		FROM hyphae_edges
		WHERE last_update < NOW() - $1::interval`,
		cutoff.String())
	if err != nil {
		return nil, fmt.Errorf("scanning stale edges: %w", err)
	}
	defer rows.Close()

	var out []StaleEdge
	for rows.Next() {
		var e StaleEdge
		if err := rows.Scan(&e.TenantID, &e.Src, &e.Dst, &e.Weight, &e.LastUpdate, &e.DaysStale); err != nil {
			return nil, fmt.Errorf("scanning stale edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEdgeWeight overwrites an edge's weight without touching last_update,
// so decay does not reset the staleness clock.
func (s *Store) SetEdgeWeight(ctx context.Context, tenantID, src, dst string, w float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hyphae_edges SET w = $1
		WHERE tenant_id = $2 AND src = $3 AND dst = $4`,
		w, tenantID, src, dst)
	if err != nil {
		return fmt.Errorf("setting edge weight %s->%s: %w", src, dst, err)
	}
	return nil
}

// DeleteEdge removes one edge.
func (s *Store) DeleteEdge(ctx context.Context, tenantID, src, dst string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM hyphae_edges WHERE tenant_id = $1 AND src = $2 AND dst = $3`,
		tenantID, src, dst)
	if err != nil {
		return fmt.Errorf("deleting edge %s->%s: %w", src, dst, err)
	}
	return nil
}

// Stats returns aggregate edge statistics for a tenant.
func (s *Store) Stats(ctx context.Context, tenantID string) (EdgeStats, error) {
	var st EdgeStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(w), 0),
		       COALESCE(MIN(w), 0),
		       COALESCE(MAX(w), 0),
		       COALESCE(STDDEV(w), 0),
		       COALESCE(AVG(r_success), 0),
		       COALESCE(AVG(r_decay), 0)
		FROM hyphae_edges
		WHERE tenant_id = $1`,
		tenantID).Scan(&st.TotalEdges, &st.AvgWeight, &st.MinWeight,
		&st.MaxWeight, &st.StddevWeight, &st.AvgSuccess, &st.AvgDecay)
	if err != nil {
		return EdgeStats{}, fmt.Errorf("computing edge stats: %w", err)
	}
	return st, nil
}

// AgentEdges returns edges touching agentID in either direction, weight
// descending.
func (s *Store) AgentEdges(ctx context.Context, tenantID, agentID string, minWeight float64, limit int) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src, dst, w, sim, r_success, r_decay, last_update
		FROM hyphae_edges
		WHERE tenant_id = $1 AND (src = $2 OR dst = $2) AND w >= $3
		ORDER BY w DESC
		LIMIT $4`,
		tenantID, agentID, minWeight, limit)
	if err != nil {
		return nil, fmt.Errorf("loading edges for agent %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanEdges(rows, tenantID)
}

// TopEdges returns the tenant's strongest edges.
func (s *Store) TopEdges(ctx context.Context, tenantID string, limit int) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src, dst, w, sim, r_success, r_decay, last_update
		FROM hyphae_edges
		WHERE tenant_id = $1
		ORDER BY w DESC
		LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading top edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows, tenantID)
}

// PruneEdges deletes a tenant's edges below the weight threshold and
// returns how many were removed.
func (s *Store) PruneEdges(ctx context.Context, tenantID string, threshold float64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM hyphae_edges WHERE tenant_id = $1 AND w < $2`,
		tenantID, threshold)
	if err != nil {
		return 0, fmt.Errorf("pruning edges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEdges(rows pgx.Rows, tenantID string) ([]Edge, error) {
	var out []Edge
	for rows.Next() {
		e := Edge{TenantID: tenantID}
		if err := rows.Scan(&e.Src, &e.Dst, &e.Weight, &e.Similarity,
			&e.RSuccess, &e.RDecay, &e.LastUpdate); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
