// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory is the hyphal memory engine: tenant-scoped vector memory
// with kind and sensitivity semantics. Secret-sensitivity content is
// AEAD-encrypted before it reaches the store and transparently decrypted on
// the way out.
package memory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyphae-ai/mycelnet/services/mycel/metrics"
	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/security"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// Recognized memory kinds. Unknown kinds are stored anyway with a warning;
// the set exists for observability, not enforcement.
var recognizedKinds = map[string]struct{}{
	"insight": {}, "snippet": {}, "tool_hint": {}, "plan": {}, "outcome": {},
	"result": {}, "task": {}, "context": {}, "memory": {}, "agent_result": {},
}

// Valid sensitivities, strictly enforced.
var validSensitivities = map[string]struct{}{
	"public": {}, "internal": {}, "confidential": {}, "secret": {},
}

// SensitivitySecret marks content that must be encrypted at rest.
const SensitivitySecret = "secret"

// ErrInvalidSensitivity rejects store requests with an unknown sensitivity.
var ErrInvalidSensitivity = errors.New("invalid sensitivity")

// ErrDimensionMismatch mirrors the routing engine's embedding contract.
var ErrDimensionMismatch = routing.ErrDimensionMismatch

// MemoryStore is the slice of the graph store the engine needs.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m store.Memory) (store.Memory, error)
	SearchMemory(ctx context.Context, tenantID string, q store.MemorySearch) ([]store.MemoryHit, error)
	GetMemory(ctx context.Context, tenantID, memoryID string) (store.Memory, error)
	DeleteMemory(ctx context.Context, tenantID, memoryID string) error
	ListAgentMemories(ctx context.Context, tenantID, agentID, kind string, limit int) ([]store.Memory, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// StoreRequest carries one memory to be stored.
type StoreRequest struct {
	AgentID     string
	Kind        string
	Content     map[string]any
	Embedding   []float32
	Quality     float64
	Sensitivity string
	TaskID      string
	TraceID     string
	TTLHours    int
	Metadata    map[string]any
}

// SearchQuery carries a memory search. Filters in the SDK map format
// (kind, agent_id, quality {"$gt": x}) are normalized into the first-class
// fields by NormalizeFilters.
type SearchQuery struct {
	Embedding   []float32
	TopK        int
	MinQuality  float64
	KindFilter  string
	AgentFilter string
}

// Record is a decrypted memory as returned to callers.
type Record struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Kind        string         `json:"kind"`
	Content     map[string]any `json:"content"`
	Quality     float64        `json:"quality"`
	Sensitivity string         `json:"sensitivity"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at"`
	Similarity  float64        `json:"similarity,omitempty"`
}

// Engine implements the hyphal memory operations.
type Engine struct {
	store     MemoryStore
	encryptor *security.Encryptor
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(st MemoryStore, enc *security.Encryptor, logger *slog.Logger) *Engine {
	return &Engine{store: st, encryptor: enc, logger: logger, now: time.Now}
}

// Store validates and persists one memory.
//
// # Description
//
// The embedding must be exactly 1536-dimensional and the sensitivity one of
// the valid set (case-insensitive). Unrecognized kinds are allowed with a
// warning. A positive TTL becomes an absolute expires_at. Secret content is
// sealed with an AEAD bound to the tenant and agent before insertion.
func (e *Engine) Store(ctx context.Context, tenantID string, req StoreRequest) (Record, error) {
	if len(req.Embedding) != routing.EmbeddingDim {
		return Record{}, fmt.Errorf("%w: embedding has %d dimensions, want %d",
			ErrDimensionMismatch, len(req.Embedding), routing.EmbeddingDim)
	}

	sensitivity := strings.ToLower(req.Sensitivity)
	if sensitivity == "" {
		sensitivity = "internal"
	}
	if _, ok := validSensitivities[sensitivity]; !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidSensitivity, req.Sensitivity)
	}

	if _, ok := recognizedKinds[strings.ToLower(req.Kind)]; !ok {
		e.logger.Warn("unknown memory kind, storing anyway",
			slog.String("kind", req.Kind),
			slog.String("agent_id", req.AgentID))
	}

	content, err := json.Marshal(req.Content)
	if err != nil {
		return Record{}, fmt.Errorf("marshaling content: %w", err)
	}
	metadata, err := json.Marshal(orEmpty(req.Metadata))
	if err != nil {
		return Record{}, fmt.Errorf("marshaling metadata: %w", err)
	}

	encrypted := false
	if sensitivity == SensitivitySecret {
		sealed, err := e.encryptor.Encrypt(content, e.aeadContext(tenantID, req.AgentID))
		if err != nil {
			return Record{}, fmt.Errorf("encrypting secret content: %w", err)
		}
		// jsonb column; wrap the ciphertext in a JSON envelope.
		content, err = json.Marshal(map[string]string{"ciphertext": hex.EncodeToString(sealed)})
		if err != nil {
			return Record{}, fmt.Errorf("wrapping ciphertext: %w", err)
		}
		encrypted = true
	}

	stored, err := e.store.InsertMemory(ctx, store.Memory{
		TenantID:    tenantID,
		AgentID:     req.AgentID,
		TaskID:      req.TaskID,
		TraceID:     req.TraceID,
		Kind:        req.Kind,
		Content:     content,
		Embedding:   req.Embedding,
		Quality:     req.Quality,
		Sensitivity: sensitivity,
		Encrypted:   encrypted,
		Metadata:    metadata,
		ExpiresAt:   store.ExpiresFromTTL(e.now(), req.TTLHours),
	})
	if err != nil {
		return Record{}, err
	}

	metrics.RecordMemoryStored(tenantID)
	e.logger.Info("stored memory",
		slog.String("tenant_id", tenantID),
		slog.String("agent_id", req.AgentID),
		slog.String("kind", req.Kind),
		slog.String("memory_id", stored.ID))

	return e.toRecord(tenantID, stored, 0)
}

// Search runs a vector similarity search over unexpired memories.
func (e *Engine) Search(ctx context.Context, tenantID string, q SearchQuery) ([]Record, error) {
	if len(q.Embedding) != routing.EmbeddingDim {
		return nil, fmt.Errorf("%w: embedding has %d dimensions, want %d",
			ErrDimensionMismatch, len(q.Embedding), routing.EmbeddingDim)
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}

	start := e.now()
	hits, err := e.store.SearchMemory(ctx, tenantID, store.MemorySearch{
		Embedding:   q.Embedding,
		TopK:        q.TopK,
		MinQuality:  q.MinQuality,
		KindFilter:  q.KindFilter,
		AgentFilter: q.AgentFilter,
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveVectorSearchLatency(tenantID, time.Since(start))

	out := make([]Record, 0, len(hits))
	for _, h := range hits {
		rec, err := e.toRecord(tenantID, h.Memory, h.Similarity)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns one memory by id.
func (e *Engine) Get(ctx context.Context, tenantID, memoryID string) (Record, error) {
	m, err := e.store.GetMemory(ctx, tenantID, memoryID)
	if err != nil {
		return Record{}, err
	}
	return e.toRecord(tenantID, m, 0)
}

// Delete removes one memory.
func (e *Engine) Delete(ctx context.Context, tenantID, memoryID string) error {
	if err := e.store.DeleteMemory(ctx, tenantID, memoryID); err != nil {
		return err
	}
	e.logger.Info("deleted memory",
		slog.String("tenant_id", tenantID),
		slog.String("memory_id", memoryID))
	return nil
}

// ListAgent returns an agent's unexpired memories, newest first.
func (e *Engine) ListAgent(ctx context.Context, tenantID, agentID, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.store.ListAgentMemories(ctx, tenantID, agentID, kind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, m := range rows {
		rec, err := e.toRecord(tenantID, m, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Cleanup deletes expired memories and returns the count.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	deleted, err := e.store.CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.Info("cleaned up expired memories", slog.Int64("deleted", deleted))
	return deleted, nil
}

// Decrypt returns a memory row's content map, unsealing secret rows. The
// signature matches the propagation controller's decrypt callback so
// collect honors sensitivity the same way search does.
func (e *Engine) Decrypt(tenantID, _ string, m store.Memory) (map[string]any, error) {
	rec, err := e.toRecord(tenantID, m, 0)
	if err != nil {
		return nil, err
	}
	return rec.Content, nil
}

// NormalizeFilters folds an SDK-style filters map into the query's
// first-class fields. Explicit fields win over the map.
func NormalizeFilters(q SearchQuery, filters map[string]any) SearchQuery {
	if filters == nil {
		return q
	}
	if q.KindFilter == "" {
		if kind, ok := filters["kind"].(string); ok {
			q.KindFilter = kind
		}
	}
	if q.AgentFilter == "" {
		if agent, ok := filters["agent_id"].(string); ok {
			q.AgentFilter = agent
		}
	}
	if quality, ok := filters["quality"].(map[string]any); ok {
		if gt, ok := quality["$gt"].(float64); ok {
			q.MinQuality = gt
		}
	}
	return q
}

func (e *Engine) toRecord(tenantID string, m store.Memory, similarity float64) (Record, error) {
	raw := m.Content
	if m.Encrypted {
		var envelope struct {
			Ciphertext string `json:"ciphertext"`
		}
		if err := json.Unmarshal(m.Content, &envelope); err != nil {
			return Record{}, fmt.Errorf("unwrapping ciphertext for %s: %w", m.ID, err)
		}
		sealed, err := hex.DecodeString(envelope.Ciphertext)
		if err != nil {
			return Record{}, fmt.Errorf("decoding ciphertext for %s: %w", m.ID, err)
		}
		plain, err := e.encryptor.Decrypt(sealed, e.aeadContext(tenantID, m.AgentID))
		if err != nil {
			return Record{}, fmt.Errorf("decrypting memory %s: %w", m.ID, err)
		}
		raw = plain
	}

	var content map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &content); err != nil {
			return Record{}, fmt.Errorf("parsing content for %s: %w", m.ID, err)
		}
	}

	var metadata map[string]any
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &metadata); err != nil {
			return Record{}, fmt.Errorf("parsing metadata for %s: %w", m.ID, err)
		}
	}

	return Record{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Kind:        m.Kind,
		Content:     content,
		Quality:     m.Quality,
		Sensitivity: m.Sensitivity,
		Metadata:    metadata,
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		Similarity:  similarity,
	}, nil
}

func (e *Engine) aeadContext(tenantID, agentID string) map[string]string {
	return map[string]string{"tenant_id": tenantID, "agent_id": agentID}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
