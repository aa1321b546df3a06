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
	"github.com/hyphae-ai/mycelnet/services/mycel/memory"
)

// MemoryStoreRequest is the body of POST /v1/hyphal:store.
type MemoryStoreRequest struct {
	AgentID     string         `json:"agent_id" binding:"required"`
	Kind        string         `json:"kind" binding:"required"`
	Content     map[string]any `json:"content"`
	Embedding   []float32      `json:"embedding" binding:"required"`
	Quality     float64        `json:"quality" binding:"min=0,max=1"`
	Sensitivity string         `json:"sensitivity" binding:"omitempty,sensitivity"`
	TTLHours    int            `json:"ttl_hours" binding:"omitempty,min=1"`
	TaskID      string         `json:"task_id"`
	TraceID     string         `json:"trace_id"`
	Metadata    map[string]any `json:"metadata"`
}

// HandleMemoryStore handles POST /v1/hyphal:store.
func (h *Handlers) HandleMemoryStore(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req MemoryStoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid store request: %s", err.Error())
		return
	}

	rec, err := h.memories.Store(c.Request.Context(), tenantID, memory.StoreRequest{
		AgentID:     req.AgentID,
		Kind:        req.Kind,
		Content:     req.Content,
		Embedding:   req.Embedding,
		Quality:     req.Quality,
		Sensitivity: req.Sensitivity,
		TaskID:      req.TaskID,
		TraceID:     req.TraceID,
		TTLHours:    req.TTLHours,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// MemorySearchRequest is the body of POST /v1/hyphal:search. Filters may
// arrive as first-class fields or as the SDK-shaped filters map; the
// first-class fields win.
type MemorySearchRequest struct {
	Embedding   []float32      `json:"embedding" binding:"required"`
	TopK        int            `json:"top_k" binding:"omitempty,min=1,max=100"`
	MinQuality  float64        `json:"min_quality" binding:"omitempty,min=0,max=1"`
	KindFilter  string         `json:"kind_filter"`
	AgentFilter string         `json:"agent_filter"`
	Filters     map[string]any `json:"filters"`
}

// HandleMemorySearch handles POST /v1/hyphal:search.
func (h *Handlers) HandleMemorySearch(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req MemorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid search request: %s", err.Error())
		return
	}

	query := memory.NormalizeFilters(memory.SearchQuery{
		Embedding:   req.Embedding,
		TopK:        req.TopK,
		MinQuality:  req.MinQuality,
		KindFilter:  req.KindFilter,
		AgentFilter: req.AgentFilter,
	}, req.Filters)

	results, err := h.memories.Search(c.Request.Context(), tenantID, query)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

// HandleMemoryGet handles GET /v1/hyphal/:id.
func (h *Handlers) HandleMemoryGet(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	rec, err := h.memories.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleMemoryDelete handles DELETE /v1/hyphal/:id.
func (h *Handlers) HandleMemoryDelete(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	if err := h.memories.Delete(c.Request.Context(), tenantID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleMemoryListAgent handles GET /v1/hyphal/agent/:agent_id.
func (h *Handlers) HandleMemoryListAgent(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := h.memories.ListAgent(c.Request.Context(), tenantID,
		c.Param("agent_id"), c.Query("kind"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"memories": rows, "count": len(rows)})
}

// HandleMemoryCleanup handles POST /v1/hyphal:cleanup (admin only; the
// dispatcher enforces the scope). Emits a signed audit event.
func (h *Handlers) HandleMemoryCleanup(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	deleted, err := h.memories.Cleanup(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.auditEvent("hyphal_cleanup", tenantID, map[string]any{"deleted": deleted})
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
