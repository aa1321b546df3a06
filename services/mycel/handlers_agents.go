// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mycel

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// AgentProfile carries the embedding-bearing part of a registration.
type AgentProfile struct {
	Embedding   []float32 `json:"embedding"`
	Skills      []string  `json:"skills"`
	Description string    `json:"description"`
}

// RegisterAgentRequest is the body of POST /v1/agents:register.
type RegisterAgentRequest struct {
	AgentID      string         `json:"agent_id" binding:"required"`
	Name         string         `json:"name"`
	Capabilities []string       `json:"capabilities"`
	Tools        []string       `json:"tools"`
	Profile      *AgentProfile  `json:"profile"`
	Region       string         `json:"region"`
	Metadata     map[string]any `json:"metadata"`
}

// HandleRegisterAgent handles POST /v1/agents:register.
//
// # Description
//
// Upserts the agent row. Tool and skill tags are folded into the
// capability set: the routing engine matches nutrient tool hints against
// capabilities, so keeping them in one set is what makes a registered
// tool routable. The profile embedding is optional; when present it must
// be 1536-dimensional.
func (h *Handlers) HandleRegisterAgent(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid register request: %s", err.Error())
		return
	}

	var embedding []float32
	capabilities := mergeTags(req.Capabilities, req.Tools)
	if req.Profile != nil {
		capabilities = mergeTags(capabilities, req.Profile.Skills)
		if len(req.Profile.Embedding) > 0 {
			if len(req.Profile.Embedding) != routing.EmbeddingDim {
				writeDetail(c, http.StatusBadRequest, "profile.embedding has %d dimensions, want %d",
					len(req.Profile.Embedding), routing.EmbeddingDim)
				return
			}
			embedding = req.Profile.Embedding
		}
	}

	ctx := c.Request.Context()
	if err := h.store.UpsertAgent(ctx, store.Agent{
		ID:               req.AgentID,
		TenantID:         tenantID,
		Name:             req.Name,
		ProfileEmbedding: embedding,
		Capabilities:     capabilities,
		Status:           "active",
		Region:           req.Region,
	}); err != nil {
		h.writeError(c, err)
		return
	}

	h.refreshActiveAgents(c, tenantID)
	c.JSON(http.StatusOK, gin.H{"agent_id": req.AgentID, "status": "active"})
}

// HandleListAgents handles GET /v1/agents with optional status_filter and
// capability query parameters.
func (h *Handlers) HandleListAgents(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	agents, err := h.store.ListAgents(c.Request.Context(), tenantID, queryInt(c, "limit", 500))
	if err != nil {
		h.writeError(c, err)
		return
	}

	statusFilter := c.Query("status_filter")
	capability := c.Query("capability")
	filtered := make([]store.Agent, 0, len(agents))
	for _, a := range agents {
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		if capability != "" && !hasTag(a.Capabilities, capability) {
			continue
		}
		filtered = append(filtered, a)
	}

	c.JSON(http.StatusOK, gin.H{"agents": filtered, "count": len(filtered)})
}

// HandleGetAgent handles GET /v1/agents/:id.
func (h *Handlers) HandleGetAgent(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	agent, err := h.store.GetAgent(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /v1/agents/:id. Removes the agent and
// its edges in both directions.
func (h *Handlers) HandleDeleteAgent(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	if err := h.store.DeleteAgent(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}

	h.refreshActiveAgents(c, tenantID)
	c.Status(http.StatusNoContent)
}

// GossipRequest is the body of POST /v1/gossip:exchange.
type GossipRequest struct {
	Region     string         `json:"region" binding:"required"`
	AgentCount int            `json:"agent_count" binding:"omitempty,min=0"`
	EdgeCount  int            `json:"edge_count" binding:"omitempty,min=0"`
	AvgWeight  float64        `json:"avg_weight"`
	State      map[string]any `json:"state"`
}

// HandleGossipExchange handles POST /v1/gossip:exchange. Regional state
// is best-effort and eventually consistent: a failed upsert is logged
// and the exchange still reports synced.
func (h *Handlers) HandleGossipExchange(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req GossipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid gossip request: %s", err.Error())
		return
	}

	var state []byte
	if req.State != nil {
		var err error
		state, err = json.Marshal(req.State)
		if err != nil {
			writeDetail(c, http.StatusBadRequest, "invalid gossip state: %s", err.Error())
			return
		}
	}

	if err := h.store.UpsertRegionalState(c.Request.Context(), store.RegionalState{
		TenantID:   tenantID,
		Region:     req.Region,
		AgentCount: req.AgentCount,
		EdgeCount:  req.EdgeCount,
		AvgWeight:  req.AvgWeight,
		State:      state,
	}); err != nil {
		h.logger.Warn("gossip upsert failed",
			"tenant_id", tenantID,
			"region", req.Region,
			"error", err.Error())
	}

	c.JSON(http.StatusOK, gin.H{"status": "synced", "region": req.Region})
}

func (h *Handlers) refreshActiveAgents(c *gin.Context, tenantID string) {
	if count, err := h.store.CountActiveAgents(c.Request.Context(), tenantID); err == nil {
		metrics.SetActiveAgents(tenantID, int(count))
	}
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, tag := range append(append([]string{}, a...), b...) {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
