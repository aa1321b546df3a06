// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reinforce adjusts hyphal edge weights from task outcomes. The
// plasticity rule strengthens edges along routes that led to success and
// weakens the rest, with a small unconditional decay so unused connections
// fade.
package reinforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// Plasticity parameters.
const (
	AlphaPos    = 0.08  // learning rate toward success
	AlphaNeg    = 0.04  // learning rate toward failure
	LambdaDecay = 0.002 // unconditional per-update decay
	MinWeight   = 0.01
	MaxWeight   = 1.5
)

var tracer = otel.Tracer("github.com/hyphae-ai/mycelnet/services/mycel/reinforce")

// ErrNoRoutes is returned when a trace has no recorded routes to reinforce.
var ErrNoRoutes = errors.New("no routes found for trace")

// EdgeStore is the slice of the graph store the engine needs.
type EdgeStore interface {
	RoutesForTrace(ctx context.Context, tenantID, traceID string) ([]store.Route, error)
	ReinforceEdge(ctx context.Context, tenantID, src, dst string, fn func(store.Edge) store.Edge) (store.Edge, store.Edge, bool, error)
	SetRouteOutcome(ctx context.Context, tenantID, traceID, src, dst string, score float64) error
	StaleEdges(ctx context.Context, cutoff time.Duration) ([]store.StaleEdge, error)
	SetEdgeWeight(ctx context.Context, tenantID, src, dst string, w float64) error
	DeleteEdge(ctx context.Context, tenantID, src, dst string) error
}

// Outcome is a reported task result: one uniform score, optionally refined
// per destination agent.
type Outcome struct {
	Score       float64
	HopOutcomes map[string]float64
}

// AgentScore returns the score for one destination, falling back to the
// uniform score when no per-hop entry exists.
func (o Outcome) AgentScore(agentID string) float64 {
	if s, ok := o.HopOutcomes[agentID]; ok {
		return s
	}
	return o.Score
}

// EdgeChange describes one weight update for the response payload.
type EdgeChange struct {
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	OldWeight float64 `json:"old_weight"`
	NewWeight float64 `json:"new_weight"`
	Delta     float64 `json:"delta"`
	Hop       int     `json:"hop"`
	HopScore  float64 `json:"hop_score"`
}

// WeightDelta computes the plasticity update for one observed outcome:
//
//	Δw = α_pos*outcome - α_neg*(1-outcome) - λ_decay
//
// An outcome of 1.0 yields +0.078, an outcome of 0 yields -0.042.
func WeightDelta(outcome float64) float64 {
	return AlphaPos*outcome - AlphaNeg*(1-outcome) - LambdaDecay
}

// ClampWeight bounds a weight to [MinWeight, MaxWeight].
func ClampWeight(w float64) float64 {
	return math.Max(MinWeight, math.Min(MaxWeight, w))
}

// Engine applies outcomes to the edge graph.
type Engine struct {
	store  EdgeStore
	logger *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(st EdgeStore, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// RecordOutcome reinforces every edge on the trace's routes.
//
// # Description
//
// Each route row maps to one edge update under a row lock: the weight moves
// by the plasticity delta for that hop's score, the success and decay
// counters accumulate, and the route row records the observed outcome.
// Edges missing from the graph (routes can outlive pruning) are recreated
// at the new-edge weight before the update applies.
//
// # Outputs
//
//   - []EdgeChange: One entry per updated edge, in hop order.
//   - error: ErrNoRoutes when the trace is unknown to this tenant.
func (e *Engine) RecordOutcome(ctx context.Context, tenantID, traceID string, o Outcome) ([]EdgeChange, error) {
	ctx, span := tracer.Start(ctx, "reinforce.RecordOutcome")
	defer span.End()
	span.SetAttributes(attribute.String("trace_id", traceID))

	routes, err := e.store.RoutesForTrace(ctx, tenantID, traceID)
	if err != nil {
		return nil, fmt.Errorf("loading routes for trace %s: %w", traceID, err)
	}
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}

	changes := make([]EdgeChange, 0, len(routes))
	for _, route := range routes {
		hopScore := o.AgentScore(route.DstAgent)

		old, updated, created, err := e.store.ReinforceEdge(ctx, tenantID,
			route.SrcAgent, route.DstAgent, func(edge store.Edge) store.Edge {
				edge.Weight = ClampWeight(edge.Weight + WeightDelta(hopScore))
				edge.RSuccess += hopScore
				edge.RDecay += 1 - hopScore
				return edge
			})
		if err != nil {
			return nil, fmt.Errorf("reinforcing edge %s->%s: %w", route.SrcAgent, route.DstAgent, err)
		}
		if created {
			e.logger.Debug("created edge during reinforcement",
				slog.String("src", route.SrcAgent),
				slog.String("dst", route.DstAgent))
		}

		if err := e.store.SetRouteOutcome(ctx, tenantID, traceID,
			route.SrcAgent, route.DstAgent, hopScore); err != nil {
			return nil, err
		}

		changes = append(changes, EdgeChange{
			Src:       route.SrcAgent,
			Dst:       route.DstAgent,
			OldWeight: old.Weight,
			NewWeight: updated.Weight,
			Delta:     WeightDelta(hopScore),
			Hop:       route.HopNumber,
			HopScore:  hopScore,
		})
	}

	metrics.RecordOutcome(tenantID)
	metrics.RecordEdgeUpdates(tenantID, len(changes))

	e.logger.Info("recorded outcome",
		slog.String("tenant_id", tenantID),
		slog.String("trace_id", traceID),
		slog.Int("edges_updated", len(changes)),
		slog.Float64("score", o.Score))

	return changes, nil
}
