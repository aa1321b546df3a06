// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mycel

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/memory"
	"github.com/hyphae-ai/mycelnet/services/mycel/propagation"
	"github.com/hyphae-ai/mycelnet/services/mycel/reinforce"
	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func writeDetail(c *gin.Context, status int, format string, args ...any) {
	c.JSON(status, ErrorResponse{Detail: fmt.Sprintf(format, args...)})
}

// writeError maps engine errors onto HTTP statuses. Validation errors keep
// their message; unexpected errors get a generic body with details in the
// log only.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, routing.ErrDimensionMismatch),
		errors.Is(err, memory.ErrInvalidSensitivity):
		writeDetail(c, http.StatusBadRequest, "%s", err.Error())
	case errors.Is(err, reinforce.ErrNoRoutes),
		errors.Is(err, store.ErrNotFound):
		writeDetail(c, http.StatusNotFound, "%s", err.Error())
	case store.IsRetryable(err):
		writeDetail(c, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "error", err.Error())
		writeDetail(c, http.StatusInternalServerError, "internal error")
	}
}

// BroadcastRequest is the body of POST /v1/nutrients:broadcast. The
// bounded fields are pointers so an explicit zero can be told apart from
// an omitted field.
type BroadcastRequest struct {
	Summary       string    `json:"summary" binding:"required"`
	Embedding     []float32 `json:"embedding" binding:"required"`
	Snippets      []string  `json:"snippets"`
	ToolHints     []string  `json:"tool_hints"`
	Sensitivity   string    `json:"sensitivity" binding:"omitempty,sensitivity"`
	TTLSec        *int      `json:"ttl_sec"`
	MaxHops       *int      `json:"max_hops"`
	QuotaCost     *int      `json:"quota_cost"`
	SourceAgentID string    `json:"source_agent_id"`
}

// HandleBroadcast handles POST /v1/nutrients:broadcast.
//
// # Description
//
// Validates TTL, hop, and quota-cost bounds, then hands the nutrient to
// the propagation controller. A nutrient born with ttl_sec=0 is already
// expired and rejected with 409 rather than 400: the shape is valid, the
// precondition is not.
func (h *Handlers) HandleBroadcast(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid broadcast request: %s", err.Error())
		return
	}

	ttl := propagation.DefaultTTLSec
	if req.TTLSec != nil {
		ttl = *req.TTLSec
		if ttl == 0 {
			writeDetail(c, http.StatusConflict, "nutrient would expire before broadcast (ttl_sec=0)")
			return
		}
		if ttl < propagation.MinTTLSec || ttl > propagation.MaxTTLSec {
			writeDetail(c, http.StatusBadRequest, "ttl_sec must be in [%d, %d]",
				propagation.MinTTLSec, propagation.MaxTTLSec)
			return
		}
	}

	hops := propagation.DefaultMaxHops
	if req.MaxHops != nil {
		hops = *req.MaxHops
		if hops < propagation.MinMaxHops || hops > propagation.MaxMaxHops {
			writeDetail(c, http.StatusBadRequest, "max_hops must be in [%d, %d]",
				propagation.MinMaxHops, propagation.MaxMaxHops)
			return
		}
	}

	cost := propagation.MinQuotaCost
	if req.QuotaCost != nil {
		cost = *req.QuotaCost
		if cost < propagation.MinQuotaCost || cost > propagation.MaxQuotaCost {
			writeDetail(c, http.StatusBadRequest, "quota_cost must be in [%d, %d]",
				propagation.MinQuotaCost, propagation.MaxQuotaCost)
			return
		}
	}

	src := req.SourceAgentID
	if src == "" {
		src = defaultSourceAgent
	}

	res, err := h.propagator.Broadcast(c.Request.Context(), tenantID, propagation.BroadcastInput{
		SourceAgent: src,
		Summary:     req.Summary,
		Embedding:   req.Embedding,
		Snippets:    req.Snippets,
		ToolHints:   req.ToolHints,
		Sensitivity: req.Sensitivity,
		TTLSec:      ttl,
		MaxHops:     hops,
		QuotaCost:   cost,
		TopK:        routing.DefaultTopK,
		Diversify:   true,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CollectRequest is the body of POST /v1/contexts:collect.
type CollectRequest struct {
	DemandEmbedding []float32 `json:"demand_embedding" binding:"required"`
	WindowMS        int       `json:"window_ms" binding:"omitempty,min=100,max=5000"`
	TopK            int       `json:"top_k" binding:"omitempty,min=1,max=50"`
	Diversify       *bool     `json:"diversify"`
}

// HandleCollect handles POST /v1/contexts:collect.
func (h *Handlers) HandleCollect(c *gin.Context) {
	tenantID := auth.TenantFrom(c)

	var req CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusBadRequest, "invalid collect request: %s", err.Error())
		return
	}
	if req.WindowMS == 0 {
		req.WindowMS = 1000
	}
	if req.TopK == 0 {
		req.TopK = 5
	}
	diversify := true
	if req.Diversify != nil {
		diversify = *req.Diversify
	}

	bundle, err := h.propagator.Collect(c.Request.Context(), tenantID, propagation.CollectInput{
		DemandEmbedding: req.DemandEmbedding,
		WindowMS:        req.WindowMS,
		TopK:            req.TopK,
		Diversify:       diversify,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// HandleHealth handles GET /health. Postgres is the correctness boundary,
// so its failure makes the service unhealthy; Redis only degrades rate
// limiting and is reported without failing the check.
func (h *Handlers) HandleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	pg := h.store.Health(ctx)
	redis := h.limiter.Health(ctx)

	status := "ok"
	code := http.StatusOK
	if !pg {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if !redis {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":   status,
		"postgres": pg,
		"redis":    redis,
	})
}
