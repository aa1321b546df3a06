// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mycel

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
)

// RegisterRoutes registers all substrate routes with the router group.
//
// Description:
//
//	Registers all /v1/* endpoints. The router group should already have
//	auth and rate-limit middleware applied; /health and /metrics live
//	outside it and are registered by the binary.
//
// Custom-method endpoints (dispatched, see dispatchRPC):
//
//	POST /v1/nutrients:broadcast - Broadcast a nutrient into the network
//	POST /v1/contexts:collect - Collect ranked contexts for a demand
//	POST /v1/outcomes:record - Post outcome credit for a trace
//	POST /v1/hyphal:store - Store a hyphal memory
//	POST /v1/hyphal:search - Vector search over hyphal memory
//	POST /v1/hyphal:cleanup - Delete expired memories (admin)
//	POST /v1/agents:register - Register or update an agent
//	POST /v1/edges:prune - Prune edges below a weight threshold
//	POST /v1/edges:decay - Run one decay pass now (admin)
//	POST /v1/gossip:exchange - Best-effort regional state heartbeat
//
// Plain endpoints:
//
//	GET    /v1/hyphal/:id - Get one memory
//	DELETE /v1/hyphal/:id - Delete one memory
//	GET    /v1/hyphal/agent/:agent_id - List an agent's memories
//	GET    /v1/agents - List agents (status_filter, capability)
//	GET    /v1/agents/:id - Get one agent
//	DELETE /v1/agents/:id - Deactivate an agent and drop its edges
//	GET    /v1/edges/stats - Tenant edge aggregates
//	GET    /v1/edges/top - Strongest edges
//	GET    /v1/edges/:agent_id - Edges touching one agent
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	// The custom-method paths keep a ':' inside the final segment
	// ("nutrients:broadcast"); gin reads ':' as a parameter marker, so
	// these all route through one POST dispatcher.
	rg.POST("/:rpc", h.dispatchRPC)

	rg.GET("/hyphal/:id", h.HandleMemoryGet)
	rg.DELETE("/hyphal/:id", h.HandleMemoryDelete)
	rg.GET("/hyphal/agent/:agent_id", h.HandleMemoryListAgent)

	rg.GET("/agents", h.HandleListAgents)
	rg.GET("/agents/:id", h.HandleGetAgent)
	rg.DELETE("/agents/:id", h.HandleDeleteAgent)

	rg.GET("/edges/stats", h.HandleEdgeStats)
	rg.GET("/edges/top", h.HandleTopEdges)
	rg.GET("/edges/:agent_id", h.HandleAgentEdges)
}

// dispatchRPC routes the colon-style custom methods.
func (h *Handlers) dispatchRPC(c *gin.Context) {
	switch c.Param("rpc") {
	case "nutrients:broadcast":
		h.HandleBroadcast(c)
	case "contexts:collect":
		h.HandleCollect(c)
	case "outcomes:record":
		h.HandleOutcomeRecord(c)
	case "hyphal:store":
		h.HandleMemoryStore(c)
	case "hyphal:search":
		h.HandleMemorySearch(c)
	case "hyphal:cleanup":
		h.adminOnly(c, h.HandleMemoryCleanup)
	case "agents:register":
		h.HandleRegisterAgent(c)
	case "edges:prune":
		h.HandleEdgesPrune(c)
	case "edges:decay":
		h.adminOnly(c, h.HandleEdgesDecay)
	case "gossip:exchange":
		h.HandleGossipExchange(c)
	default:
		writeDetail(c, http.StatusNotFound, "unknown operation %q", c.Param("rpc"))
	}
}

func (h *Handlers) adminOnly(c *gin.Context, fn gin.HandlerFunc) {
	if !auth.IdentityFrom(c).HasScope(auth.ScopeAdmin) {
		writeDetail(c, http.StatusForbidden, "admin scope required")
		return
	}
	fn(c)
}
