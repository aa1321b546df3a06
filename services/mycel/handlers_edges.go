// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mycel

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/reinforce"
)

// OutcomeRequest is the body of POST /v1/outcomes:record. The uniform
// score may arrive flat (outcome_score) or nested (outcome.score); the
// nested form wins when both are present.
type OutcomeRequest struct {
	TraceID      string             `json:"trace_id" binding:"required"`
	OutcomeScore *float64           `json:"outcome_score"`
	Outcome      *outcomeBody       `json:"outcome"`
	HopOutcomes  map[string]float64 `json:"hop_outcomes"`
}

type outcomeBody struct {
	Score *float64 `json:"score"`
}

// HandleOutcomeRecord handles POST /v1/outcomes:record.
func (h *Handlers) HandleOutcomeRecord(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid outcome request: %s", err.Error())
		return
	}

	var uniform *float64
	if req.Outcome != nil && req.Outcome.Score != nil {
		uniform = req.Outcome.Score
	} else if req.OutcomeScore != nil {
		uniform = req.OutcomeScore
	}
	if uniform == nil && len(req.HopOutcomes) == 0 {
		writeDetail(c, http.StatusBadRequest, "outcome_score, outcome.score, or hop_outcomes is required")
		return
	}

	// With only per-hop scores, uncovered hops fall back to a neutral 0.5.
	score := 0.5
	if uniform != nil {
		score = *uniform
	}
	if score < 0 || score > 1 {
		writeDetail(c, http.StatusBadRequest, "outcome score must be in [0, 1]")
		return
	}
	for agent, s := range req.HopOutcomes {
		if s < 0 || s > 1 {
			writeDetail(c, http.StatusBadRequest, "hop_outcomes[%s] must be in [0, 1]", agent)
			return
		}
	}

	changes, err := h.outcomes.RecordOutcome(c.Request.Context(), tenantID, req.TraceID, reinforce.Outcome{
		Score:       score,
		HopOutcomes: req.HopOutcomes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trace_id": req.TraceID,
		"updated":  len(changes),
		"changes":  changes,
	})
}

// HandleEdgeStats handles GET /v1/edges/stats.
func (h *Handlers) HandleEdgeStats(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	stats, err := h.store.Stats(c.Request.Context(), tenantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleTopEdges handles GET /v1/edges/top.
func (h *Handlers) HandleTopEdges(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	edges, err := h.store.TopEdges(c.Request.Context(), tenantID, queryInt(c, "limit", 10))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "count": len(edges)})
}

// HandleAgentEdges handles GET /v1/edges/:agent_id. Returns edges where
// the agent is source or destination, filtered by min_weight.
func (h *Handlers) HandleAgentEdges(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	minWeight := 0.0
	if raw := c.Query("min_weight"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeDetail(c, http.StatusBadRequest, "min_weight must be a number")
			return
		}
		minWeight = parsed
	}

	edges, err := h.store.AgentEdges(c.Request.Context(), tenantID,
		c.Param("agent_id"), minWeight, queryInt(c, "limit", 100))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "count": len(edges)})
}

// PruneRequest is the body of POST /v1/edges:prune.
type PruneRequest struct {
	Threshold float64 `json:"threshold" binding:"required,gt=0,max=1.5"`
}

// HandleEdgesPrune handles POST /v1/edges:prune.
func (h *Handlers) HandleEdgesPrune(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req PruneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid prune request: %s", err.Error())
		return
	}

	pruned, err := h.store.PruneEdges(c.Request.Context(), tenantID, req.Threshold)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.auditEvent("edges_prune", tenantID, map[string]any{
		"threshold": req.Threshold,
		"pruned":    pruned,
	})
	c.JSON(http.StatusOK, gin.H{"pruned": pruned, "threshold": req.Threshold})
}

// HandleEdgesDecay handles POST /v1/edges:decay (admin only; the decay
// scan crosses tenants). Runs one decay pass immediately instead of
// waiting for the background tick.
func (h *Handlers) HandleEdgesDecay(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	result, err := h.outcomes.RunDecay(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.auditEvent("edges_decay", tenantID, map[string]any{
		"decayed": result.Decayed,
		"deleted": result.Deleted,
	})
	c.JSON(http.StatusOK, gin.H{"decayed": result.Decayed, "deleted": result.Deleted})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
