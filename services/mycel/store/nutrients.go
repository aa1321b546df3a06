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

// InsertNutrient stores an active nutrient. Snippets and tool hints go in
// as jsonb, the embedding as a pgvector literal.
func (s *Store) InsertNutrient(ctx context.Context, n Nutrient) error {
	snippets, err := json.Marshal(n.Snippets)
	if err != nil {
		return fmt.Errorf("marshaling snippets: %w", err)
	}
	hints, err := json.Marshal(n.ToolHints)
	if err != nil {
		return fmt.Errorf("marshaling tool hints: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO nutrients_active (
			id, tenant_id, trace_id, summary, embedding, snippets, tool_hints,
			sensitivity, current_hop, max_hops, ttl_sec, quota_cost, expires_at
		)
		VALUES ($1, $2, $3, $4, $5::vector, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.TenantID, n.TraceID, n.Summary, vectorLiteral(n.Embedding),
		snippets, hints, n.Sensitivity, n.CurrentHop, n.MaxHops, n.TTLSec,
		n.QuotaCost, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting nutrient %s: %w", n.ID, err)
	}
	return nil
}

// GetNutrient returns one nutrient by id, or ErrNotFound.
func (s *Store) GetNutrient(ctx context.Context, tenantID, nutrientID string) (Nutrient, error) {
	var (
		n       Nutrient
		embText string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, trace_id, summary, embedding::text, snippets, tool_hints,
		       sensitivity, current_hop, max_hops, ttl_sec, quota_cost,
		       created_at, expires_at
		FROM nutrients_active
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, nutrientID).Scan(
		&n.ID, &n.TraceID, &n.Summary, &embText, &n.Snippets, &n.ToolHints,
		&n.Sensitivity, &n.CurrentHop, &n.MaxHops, &n.TTLSec, &n.QuotaCost,
		&n.CreatedAt, &n.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Nutrient{}, ErrNotFound
	}
	if err != nil {
		return Nutrient{}, fmt.Errorf("loading nutrient %s: %w", nutrientID, err)
	}
	n.TenantID = tenantID
	if n.Embedding, err = parseVector(embText); err != nil {
		return Nutrient{}, fmt.Errorf("parsing nutrient embedding: %w", err)
	}
	return n, nil
}

// CountActiveNutrients counts a tenant's unexpired nutrients.
func (s *Store) CountActiveNutrients(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM nutrients_active
		WHERE tenant_id = $1 AND expires_at > NOW()`,
		tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active nutrients: %w", err)
	}
	return count, nil
}

// InsertRoute logs one routing decision for later reinforcement.
func (s *Store) InsertRoute(ctx context.Context, r Route) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nutrient_routes (
			tenant_id, nutrient_id, trace_id, src_agent, dst_agent,
			hop_number, routing_score, routed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		r.TenantID, r.NutrientID, r.TraceID, r.SrcAgent, r.DstAgent,
		r.HopNumber, r.RoutingScore)
	if err != nil {
		return fmt.Errorf("recording route %s->%s: %w", r.SrcAgent, r.DstAgent, err)
	}
	return nil
}

// RoutesForTrace returns all routes of a trace in hop order, tenant-scoped.
func (s *Store) RoutesForTrace(ctx context.Context, tenantID, traceID string) ([]Route, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT nutrient_id, src_agent, dst_agent, routing_score, hop_number, routed_at
		FROM nutrient_routes
		WHERE tenant_id = $1 AND trace_id = $2
		ORDER BY hop_number ASC`,
		tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("loading routes for trace %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		r := Route{TenantID: tenantID, TraceID: traceID}
		if err := rows.Scan(&r.NutrientID, &r.SrcAgent, &r.DstAgent,
			&r.RoutingScore, &r.HopNumber, &r.RoutedAt); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRouteOutcome records the observed outcome on a route row.
func (s *Store) SetRouteOutcome(ctx context.Context, tenantID, traceID, src, dst string, score float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nutrient_routes
		SET outcome_score = $1
		WHERE tenant_id = $2 AND trace_id = $3 AND src_agent = $4 AND dst_agent = $5`,
		score, tenantID, traceID, src, dst)
	if err != nil {
		return fmt.Errorf("setting route outcome: %w", err)
	}
	return nil
}
