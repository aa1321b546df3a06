// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import "time"

// Edge is one directed hyphal connection between two agents.
type Edge struct {
	TenantID   string
	Src        string
	Dst        string
	Weight     float64
	Similarity float64
	RSuccess   float64
	RDecay     float64
	LastUpdate time.Time
}

// EdgeStats is the per-tenant aggregate over hyphae_edges.
type EdgeStats struct {
	TotalEdges   int64   `json:"total_edges"`
	AvgWeight    float64 `json:"avg_weight"`
	MinWeight    float64 `json:"min_weight"`
	MaxWeight    float64 `json:"max_weight"`
	StddevWeight float64 `json:"stddev_weight"`
	AvgSuccess   float64 `json:"avg_success"`
	AvgDecay     float64 `json:"avg_decay"`
}

// Nutrient is an active knowledge packet in transit.
type Nutrient struct {
	ID          string
	TenantID    string
	TraceID     string
	Summary     string
	Embedding   []float32
	Snippets    []string
	ToolHints   []string
	Sensitivity string
	CurrentHop  int
	MaxHops     int
	TTLSec      int
	QuotaCost   int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Route is one routing decision logged for reinforcement.
type Route struct {
	TenantID     string
	NutrientID   string
	TraceID      string
	SrcAgent     string
	DstAgent     string
	HopNumber    int
	RoutingScore float64
	OutcomeScore *float64
	RoutedAt     time.Time
}

// Memory is one hyphal memory row.
type Memory struct {
	ID          string
	TenantID    string
	AgentID     string
	TaskID      string
	TraceID     string
	Kind        string
	Content     []byte // raw JSON, possibly AEAD-encrypted when Encrypted
	Embedding   []float32
	Quality     float64
	Sensitivity string
	Encrypted   bool
	Metadata    []byte
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// MemoryHit is a memory row with its search similarity.
type MemoryHit struct {
	Memory
	Similarity float64
}

// Agent is a registered agent profile.
type Agent struct {
	ID               string
	TenantID         string
	Name             string
	ProfileEmbedding []float32
	Capabilities     []string
	RecentTasks      []string
	Status           string
	Region           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// APIKeyInfo is the result of an API-key lookup.
type APIKeyInfo struct {
	ID                 int64
	TenantID           string
	Scopes             []string
	RateLimitPerMinute int
	Status             string
	ExpiresAt          *time.Time
}

// RegionalState is one tenant/region gossip snapshot.
type RegionalState struct {
	TenantID   string
	Region     string
	AgentCount int
	EdgeCount  int
	AvgWeight  float64
	State      []byte
	LastSyncAt time.Time
}
