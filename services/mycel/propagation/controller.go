// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package propagation drives nutrient movement through the network:
// broadcast routes a knowledge packet to the most promising neighbors and
// logs every decision for reinforcement; collect gathers relevant contexts
// back out of hyphal memory under a time budget.
package propagation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

var tracer = otel.Tracer("github.com/hyphae-ai/mycelnet/services/mycel/propagation")

// Propagation bounds. Handlers validate request fields against these.
const (
	DefaultTTLSec = 180
	MinTTLSec     = 1
	MaxTTLSec     = 3600

	DefaultMaxHops = 3
	MinMaxHops     = 1
	MaxMaxHops     = 10

	MinQuotaCost = 1
	MaxQuotaCost = 100

	MinWindowMS = 100
	MaxWindowMS = 5000

	collectOverfetch = 2
)

// GraphStore is the slice of the graph store the controller needs.
type GraphStore interface {
	LoadNeighbors(ctx context.Context, tenantID, src string, limit int) ([]store.NeighborRow, error)
	InsertNutrient(ctx context.Context, n store.Nutrient) error
	InsertRoute(ctx context.Context, r store.Route) error
	SearchMemory(ctx context.Context, tenantID string, q store.MemorySearch) ([]store.MemoryHit, error)
	CountActiveNutrients(ctx context.Context, tenantID string) (int64, error)
}

// BroadcastInput is a validated broadcast request.
type BroadcastInput struct {
	SourceAgent string
	Summary     string
	Embedding   []float32
	Snippets    []string
	ToolHints   []string
	Sensitivity string
	TTLSec      int
	MaxHops     int
	QuotaCost   int
	TopK        int
	Diversify   bool
}

// BroadcastResult reports where a nutrient went.
type BroadcastResult struct {
	NutrientID    string             `json:"nutrient_id"`
	TraceID       string             `json:"trace_id"`
	RoutedTo      []string           `json:"routed_to"`
	RoutingScores map[string]float64 `json:"routing_scores"`
	CreatedAt     time.Time          `json:"created_at"`
}

// CollectInput is a validated collect request.
type CollectInput struct {
	DemandEmbedding []float32
	WindowMS        int
	TopK            int
	Diversify       bool
}

// ContextItem is one collected context.
type ContextItem struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data"`
	Similarity float64        `json:"similarity"`
}

// ContextBundle is the aggregated collect response.
type ContextBundle struct {
	TraceID       string         `json:"trace_id"`
	Contents      []ContextItem  `json:"contents"`
	SourceAgents  []string       `json:"source_agents"`
	QualityScores []float64      `json:"quality_scores"`
	Metadata      map[string]any `json:"metadata"`
}

// Controller implements broadcast and collect.
type Controller struct {
	store   GraphStore
	caps    *CapCache
	decrypt func(tenantID, agentID string, m store.Memory) (map[string]any, error)
	logger  *slog.Logger
	now     func() time.Time
}

// NewController builds a Controller. decrypt converts a (possibly
// encrypted) memory row into its content map; the memory engine supplies
// it so collect honors sensitivity the same way search does.
func NewController(st GraphStore, caps *CapCache, decrypt func(tenantID, agentID string, m store.Memory) (map[string]any, error), logger *slog.Logger) *Controller {
	return &Controller{store: st, caps: caps, decrypt: decrypt, logger: logger, now: time.Now}
}

// NewNutrientID mints a nutrient id: "nutr-" + 12 hex chars.
func NewNutrientID() string {
	u := uuid.New()
	return "nutr-" + hex.EncodeToString(u[:])[:12]
}

// NewTraceID mints a trace id: "tr-" + 16 hex chars.
func NewTraceID() string {
	u := uuid.New()
	return "tr-" + hex.EncodeToString(u[:])[:16]
}

// Broadcast routes one nutrient into the network.
//
// # Description
//
// The nutrient is always persisted with its TTL, even when no neighbors
// exist yet (a cold-start tenant still builds up trace history). A
// mandatory self-route at hop 0 with score 1.0 is logged first so the
// source agent participates in reinforcement. Neighbor fan-out is bounded
// by the dynamic cap and selected by the routing engine.
func (c *Controller) Broadcast(ctx context.Context, tenantID string, in BroadcastInput) (BroadcastResult, error) {
	ctx, span := tracer.Start(ctx, "propagation.Broadcast")
	defer span.End()

	start := c.now()
	nutrientID := NewNutrientID()
	traceID := NewTraceID()
	span.SetAttributes(
		attribute.String("nutrient_id", nutrientID),
		attribute.String("trace_id", traceID),
	)

	cap := c.caps.NeighborCap(ctx, tenantID)
	rows, err := c.store.LoadNeighbors(ctx, tenantID, in.SourceAgent, cap)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("loading neighbors: %w", err)
	}

	neighbors := make([]routing.Neighbor, len(rows))
	for i, r := range rows {
		neighbors[i] = routing.Neighbor{
			ID:               r.Dst,
			ProfileEmbedding: r.ProfileEmbedding,
			EdgeWeight:       r.Weight,
			BaseSimilarity:   r.Similarity,
			RecentTasks:      r.RecentTasks,
			Capabilities:     r.Capabilities,
			LastUpdate:       r.LastUpdate,
		}
	}

	var selected []routing.Selection
	if len(neighbors) > 0 {
		selected, err = routing.RouteNutrient(in.Embedding, in.ToolHints, neighbors, routing.Options{
			TopK:      in.TopK,
			Diversify: in.Diversify,
			Epsilon:   -1,
		})
		if err != nil {
			return BroadcastResult{}, fmt.Errorf("routing nutrient: %w", err)
		}
	} else if len(in.Embedding) != routing.EmbeddingDim {
		return BroadcastResult{}, fmt.Errorf("%w: nutrient embedding has %d dimensions, want %d",
			routing.ErrDimensionMismatch, len(in.Embedding), routing.EmbeddingDim)
	}

	createdAt := c.now()
	if err := c.store.InsertNutrient(ctx, store.Nutrient{
		ID:          nutrientID,
		TenantID:    tenantID,
		TraceID:     traceID,
		Summary:     in.Summary,
		Embedding:   in.Embedding,
		Snippets:    in.Snippets,
		ToolHints:   in.ToolHints,
		Sensitivity: in.Sensitivity,
		CurrentHop:  0,
		MaxHops:     in.MaxHops,
		TTLSec:      in.TTLSec,
		QuotaCost:   in.QuotaCost,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(time.Duration(in.TTLSec) * time.Second),
	}); err != nil {
		return BroadcastResult{}, err
	}

	// Self-route first: the source always appears in the trace.
	if err := c.store.InsertRoute(ctx, store.Route{
		TenantID:     tenantID,
		NutrientID:   nutrientID,
		TraceID:      traceID,
		SrcAgent:     in.SourceAgent,
		DstAgent:     in.SourceAgent,
		HopNumber:    0,
		RoutingScore: 1.0,
	}); err != nil {
		return BroadcastResult{}, err
	}

	// The source leads routed_to: its self-route is a real hop-0 record.
	routedTo := make([]string, 0, len(selected)+1)
	routedTo = append(routedTo, in.SourceAgent)
	scores := make(map[string]float64, len(selected))
	for _, sel := range selected {
		if err := c.store.InsertRoute(ctx, store.Route{
			TenantID:     tenantID,
			NutrientID:   nutrientID,
			TraceID:      traceID,
			SrcAgent:     in.SourceAgent,
			DstAgent:     sel.Neighbor.ID,
			HopNumber:    0,
			RoutingScore: sel.Score.Total,
		}); err != nil {
			return BroadcastResult{}, err
		}
		routedTo = append(routedTo, sel.Neighbor.ID)
		scores[sel.Neighbor.ID] = sel.Score.Total
	}

	metrics.RecordNutrientBroadcast(tenantID)
	metrics.ObserveRoutingLatency(tenantID, time.Since(start))
	if active, err := c.store.CountActiveNutrients(ctx, tenantID); err == nil {
		metrics.SetActiveNutrients(tenantID, int(active))
	}

	c.logger.Info("broadcast nutrient",
		slog.String("tenant_id", tenantID),
		slog.String("nutrient_id", nutrientID),
		slog.String("trace_id", traceID),
		slog.Int("routed_to", len(routedTo)))

	return BroadcastResult{
		NutrientID:    nutrientID,
		TraceID:       traceID,
		RoutedTo:      routedTo,
		RoutingScores: scores,
		CreatedAt:     createdAt,
	}, nil
}

// Collect gathers relevant contexts from hyphal memory.
//
// # Description
//
// The window_ms field bounds wall-clock time: the vector search runs under
// a deadline of that many milliseconds. The store over-fetches twice the
// requested K so per-source-agent diversification has slack to work with:
// distinct agents are preferred first, then remaining slots fill in
// similarity order.
func (c *Controller) Collect(ctx context.Context, tenantID string, in CollectInput) (ContextBundle, error) {
	ctx, span := tracer.Start(ctx, "propagation.Collect")
	defer span.End()

	traceID := NewTraceID()
	span.SetAttributes(attribute.String("trace_id", traceID))

	if len(in.DemandEmbedding) != routing.EmbeddingDim {
		return ContextBundle{}, fmt.Errorf("%w: demand embedding has %d dimensions, want %d",
			routing.ErrDimensionMismatch, len(in.DemandEmbedding), routing.EmbeddingDim)
	}

	searchCtx, cancel := context.WithTimeout(ctx, time.Duration(in.WindowMS)*time.Millisecond)
	defer cancel()

	start := c.now()
	hits, err := c.store.SearchMemory(searchCtx, tenantID, store.MemorySearch{
		Embedding: in.DemandEmbedding,
		TopK:      in.TopK * collectOverfetch,
	})
	if err != nil {
		return ContextBundle{}, fmt.Errorf("searching contexts: %w", err)
	}
	metrics.ObserveVectorSearchLatency(tenantID, time.Since(start))

	if in.Diversify && len(hits) > in.TopK {
		hits = diversifyBySource(hits, in.TopK)
	} else if len(hits) > in.TopK {
		hits = hits[:in.TopK]
	}

	bundle := ContextBundle{
		TraceID:       traceID,
		Contents:      make([]ContextItem, 0, len(hits)),
		SourceAgents:  make([]string, 0, len(hits)),
		QualityScores: make([]float64, 0, len(hits)),
		Metadata: map[string]any{
			"window_ms":   in.WindowMS,
			"top_k":       in.TopK,
			"diversified": in.Diversify,
		},
	}

	for _, h := range hits {
		data, err := c.decrypt(tenantID, h.AgentID, h.Memory)
		if err != nil {
			c.logger.Warn("skipping undecryptable context",
				slog.String("memory_id", h.ID),
				slog.String("error", err.Error()))
			continue
		}
		bundle.Contents = append(bundle.Contents, ContextItem{
			ID:         h.ID,
			AgentID:    h.AgentID,
			Kind:       h.Kind,
			Data:       data,
			Similarity: h.Similarity,
		})
		bundle.SourceAgents = append(bundle.SourceAgents, h.AgentID)
		bundle.QualityScores = append(bundle.QualityScores, h.Quality)
	}

	metrics.RecordContextCollected(tenantID)
	c.logger.Info("collected contexts",
		slog.String("tenant_id", tenantID),
		slog.String("trace_id", traceID),
		slog.Int("contexts", len(bundle.Contents)))

	return bundle, nil
}

// diversifyBySource picks at most k hits, preferring unseen source agents
// in similarity order, then filling leftover slots with the best remaining.
func diversifyBySource(hits []store.MemoryHit, k int) []store.MemoryHit {
	selected := make([]store.MemoryHit, 0, k)
	seen := make(map[string]struct{}, k)
	var leftovers []store.MemoryHit

	for _, h := range hits {
		if len(selected) >= k {
			break
		}
		if _, dup := seen[h.AgentID]; dup {
			leftovers = append(leftovers, h)
			continue
		}
		seen[h.AgentID] = struct{}{}
		selected = append(selected, h)
	}

	for _, h := range leftovers {
		if len(selected) >= k {
			break
		}
		selected = append(selected, h)
	}
	return selected
}
