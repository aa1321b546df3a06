// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mycel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyphae-ai/mycelnet/services/mycel/auth"
	"github.com/hyphae-ai/mycelnet/services/mycel/memory"
	"github.com/hyphae-ai/mycelnet/services/mycel/propagation"
	"github.com/hyphae-ai/mycelnet/services/mycel/reinforce"
	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/security"
	badger "github.com/hyphae-ai/mycelnet/services/mycel/storage/badger"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// fakeGraph backs propagation and reinforcement in handler tests.
type fakeGraph struct {
	neighbors []store.NeighborRow
	nutrients []store.Nutrient
	routes    []store.Route
	hits      []store.MemoryHit
	traces    map[string][]store.Route
	edges     map[string]store.Edge
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		traces: map[string][]store.Route{},
		edges:  map[string]store.Edge{},
	}
}

func (f *fakeGraph) LoadNeighbors(_ context.Context, _, _ string, _ int) ([]store.NeighborRow, error) {
	return f.neighbors, nil
}

func (f *fakeGraph) InsertNutrient(_ context.Context, n store.Nutrient) error {
	f.nutrients = append(f.nutrients, n)
	return nil
}

func (f *fakeGraph) InsertRoute(_ context.Context, r store.Route) error {
	f.routes = append(f.routes, r)
	return nil
}

func (f *fakeGraph) SearchMemory(_ context.Context, _ string, _ store.MemorySearch) ([]store.MemoryHit, error) {
	return f.hits, nil
}

func (f *fakeGraph) CountActiveNutrients(_ context.Context, _ string) (int64, error) {
	return int64(len(f.nutrients)), nil
}

func (f *fakeGraph) TotalEdges(_ context.Context, _ string) (int64, error) {
	return int64(len(f.edges)), nil
}

func (f *fakeGraph) RoutesForTrace(_ context.Context, _, traceID string) ([]store.Route, error) {
	return f.traces[traceID], nil
}

func (f *fakeGraph) ReinforceEdge(_ context.Context, tenantID, src, dst string, fn func(store.Edge) store.Edge) (store.Edge, store.Edge, bool, error) {
	key := tenantID + "/" + src + "/" + dst
	old, ok := f.edges[key]
	created := false
	if !ok {
		old = store.Edge{TenantID: tenantID, Src: src, Dst: dst, Weight: 0.1}
		created = true
	}
	updated := fn(old)
	f.edges[key] = updated
	return old, updated, created, nil
}

func (f *fakeGraph) SetRouteOutcome(_ context.Context, _, _, _, _ string, _ float64) error {
	return nil
}

func (f *fakeGraph) StaleEdges(_ context.Context, _ time.Duration) ([]store.StaleEdge, error) {
	return nil, nil
}

func (f *fakeGraph) SetEdgeWeight(_ context.Context, _, _, _ string, _ float64) error {
	return nil
}

func (f *fakeGraph) DeleteEdge(_ context.Context, _, _, _ string) error {
	return nil
}

// fakeMemories implements memory.MemoryStore.
type fakeMemories struct {
	byID    map[string]store.Memory
	next    int
	cleaned int64
}

func newFakeMemories() *fakeMemories {
	return &fakeMemories{byID: map[string]store.Memory{}}
}

func (f *fakeMemories) InsertMemory(_ context.Context, m store.Memory) (store.Memory, error) {
	f.next++
	m.ID = fmt.Sprintf("mem-%d", f.next)
	m.CreatedAt = time.Now()
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeMemories) SearchMemory(_ context.Context, _ string, _ store.MemorySearch) ([]store.MemoryHit, error) {
	return nil, nil
}

func (f *fakeMemories) GetMemory(_ context.Context, _, memoryID string) (store.Memory, error) {
	m, ok := f.byID[memoryID]
	if !ok {
		return store.Memory{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMemories) DeleteMemory(_ context.Context, _, memoryID string) error {
	if _, ok := f.byID[memoryID]; !ok {
		return store.ErrNotFound
	}
	delete(f.byID, memoryID)
	return nil
}

func (f *fakeMemories) ListAgentMemories(_ context.Context, _, _, _ string, _ int) ([]store.Memory, error) {
	return nil, nil
}

func (f *fakeMemories) CleanupExpired(_ context.Context) (int64, error) {
	return f.cleaned, nil
}

type testEnv struct {
	router *gin.Engine
	graph  *fakeGraph
	mems   *fakeMemories
}

func newTestEnv(t *testing.T, scopes []string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	graph := newFakeGraph()
	mems := newFakeMemories()
	logger := slog.Default()

	db, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	memEngine := memory.NewEngine(mems, security.NewEncryptorWithKey([]byte("test-key")), logger)
	caps := propagation.NewCapCache(db, graph, logger)
	controller := propagation.NewController(graph, caps, func(_, _ string, m store.Memory) (map[string]any, error) {
		var out map[string]any
		if len(m.Content) > 0 {
			if err := json.Unmarshal(m.Content, &out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}, logger)
	outcomes := reinforce.NewEngine(graph, logger)

	signer, err := security.NewSignerFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	h := NewHandlers(nil, controller, memEngine, outcomes, nil, signer, logger)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		auth.SetIdentity(c, auth.Identity{TenantID: "tn-1", Scopes: scopes})
		c.Next()
	})
	RegisterRoutes(router.Group("/v1"), h)

	return &testEnv{router: router, graph: graph, mems: mems}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func embed(lead ...float32) []float32 {
	v := make([]float32, routing.EmbeddingDim)
	copy(v, lead)
	return v
}

func intPtr(v int) *int { return &v }

func TestDispatchUnknownRPC(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/nutrients:publish", gin.H{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "detail")
}

func TestAdminGate(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodPost, "/v1/hyphal:cleanup", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := newTestEnv(t, []string{auth.ScopeAdmin})
	admin.mems.cleaned = 3
	w = admin.do(t, http.MethodPost, "/v1/hyphal:cleanup", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":3`)
}

func TestBroadcastValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("missing summary", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", BroadcastRequest{
			Embedding: embed(1),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("zero ttl conflicts", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", BroadcastRequest{
			Summary:   "s",
			Embedding: embed(1),
			TTLSec:    intPtr(0),
		})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("ttl out of range", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", BroadcastRequest{
			Summary:   "s",
			Embedding: embed(1),
			TTLSec:    intPtr(4000),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("max_hops out of range", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", BroadcastRequest{
			Summary:   "s",
			Embedding: embed(1),
			MaxHops:   intPtr(0),
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad embedding dimension", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", gin.H{
			"summary":   "s",
			"embedding": []float32{1, 2, 3},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBroadcastHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/nutrients:broadcast", BroadcastRequest{
		Summary:       "index scan regressed",
		Embedding:     embed(1),
		SourceAgentID: "ag-src",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var res propagation.BroadcastResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Regexp(t, `^nutr-[0-9a-f]{12}$`, res.NutrientID)
	assert.Regexp(t, `^tr-[0-9a-f]{16}$`, res.TraceID)
	assert.Equal(t, []string{"ag-src"}, res.RoutedTo)

	// Nutrient persisted and self-route logged even with no neighbors.
	require.Len(t, env.graph.nutrients, 1)
	require.Len(t, env.graph.routes, 1)
	assert.Equal(t, "ag-src", env.graph.routes[0].DstAgent)
}

func TestCollectDefaults(t *testing.T) {
	env := newTestEnv(t, nil)
	content, _ := json.Marshal(map[string]any{"k": "v"})
	env.graph.hits = []store.MemoryHit{
		{Memory: store.Memory{ID: "m1", AgentID: "ag-1", Content: content}, Similarity: 0.9},
	}

	w := env.do(t, http.MethodPost, "/v1/contexts:collect", gin.H{
		"demand_embedding": embed(1),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var bundle propagation.ContextBundle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bundle))
	require.Len(t, bundle.Contents, 1)
	assert.Equal(t, float64(1000), bundle.Metadata["window_ms"].(float64))
}

func TestOutcomeRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.graph.traces["tr-known"] = []store.Route{
		{TenantID: "tn-1", TraceID: "tr-known", SrcAgent: "A", DstAgent: "B", HopNumber: 0},
	}

	t.Run("missing score", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/outcomes:record", gin.H{"trace_id": "tr-known"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("score out of range", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/outcomes:record", gin.H{
			"trace_id":      "tr-known",
			"outcome_score": 1.5,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown trace", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/outcomes:record", gin.H{
			"trace_id":      "tr-missing",
			"outcome_score": 0.9,
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("nested score wins", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/outcomes:record", gin.H{
			"trace_id":      "tr-known",
			"outcome_score": 0.1,
			"outcome":       gin.H{"score": 0.9},
		})
		require.Equal(t, http.StatusOK, w.Code)

		edge := env.graph.edges["tn-1/A/B"]
		// 0.1 + (0.08*0.9 - 0.04*0.1 - 0.002)
		assert.InDelta(t, 0.166, edge.Weight, 1e-9)
	})
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/hyphal:store", MemoryStoreRequest{
		AgentID:   "ag-1",
		Kind:      "insight",
		Content:   map[string]any{"finding": "x"},
		Embedding: embed(1),
		Quality:   0.8,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec memory.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.NotEmpty(t, rec.ID)

	w = env.do(t, http.MethodGet, "/v1/hyphal/"+rec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/hyphal/"+rec.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/hyphal/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
