// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyphae-ai/mycelnet/services/mycel/routing"
	"github.com/hyphae-ai/mycelnet/services/mycel/security"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

type fakeMemoryStore struct {
	inserted []store.Memory
	hits     []store.MemoryHit
	byID     map[string]store.Memory
	deleted  []string
	cleaned  int64
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{byID: map[string]store.Memory{}}
}

func (f *fakeMemoryStore) InsertMemory(_ context.Context, m store.Memory) (store.Memory, error) {
	m.ID = fmt.Sprintf("mem-%d", len(f.inserted)+1)
	m.CreatedAt = time.Now()
	f.inserted = append(f.inserted, m)
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeMemoryStore) SearchMemory(_ context.Context, _ string, _ store.MemorySearch) ([]store.MemoryHit, error) {
	return f.hits, nil
}

func (f *fakeMemoryStore) GetMemory(_ context.Context, _, memoryID string) (store.Memory, error) {
	m, ok := f.byID[memoryID]
	if !ok {
		return store.Memory{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMemoryStore) DeleteMemory(_ context.Context, _, memoryID string) error {
	if _, ok := f.byID[memoryID]; !ok {
		return store.ErrNotFound
	}
	delete(f.byID, memoryID)
	f.deleted = append(f.deleted, memoryID)
	return nil
}

func (f *fakeMemoryStore) ListAgentMemories(_ context.Context, _, agentID, kind string, _ int) ([]store.Memory, error) {
	var out []store.Memory
	for _, m := range f.inserted {
		if m.AgentID == agentID && (kind == "" || m.Kind == kind) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemoryStore) CleanupExpired(_ context.Context) (int64, error) {
	return f.cleaned, nil
}

func embed() []float32 {
	return make([]float32, routing.EmbeddingDim)
}

func newTestEngine(fs *fakeMemoryStore) *Engine {
	enc := security.NewEncryptorWithKey([]byte("test-key-material"))
	return NewEngine(fs, enc, slog.Default())
}

func TestStoreValidation(t *testing.T) {
	e := newTestEngine(newFakeMemoryStore())
	ctx := context.Background()

	t.Run("wrong embedding dimension", func(t *testing.T) {
		_, err := e.Store(ctx, "tn-1", StoreRequest{
			AgentID:   "ag-1",
			Kind:      "insight",
			Embedding: []float32{1, 2, 3},
		})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("invalid sensitivity", func(t *testing.T) {
		_, err := e.Store(ctx, "tn-1", StoreRequest{
			AgentID:     "ag-1",
			Kind:        "insight",
			Embedding:   embed(),
			Sensitivity: "classified",
		})
		assert.ErrorIs(t, err, ErrInvalidSensitivity)
	})

	t.Run("sensitivity is case-insensitive", func(t *testing.T) {
		rec, err := e.Store(ctx, "tn-1", StoreRequest{
			AgentID:     "ag-1",
			Kind:        "insight",
			Embedding:   embed(),
			Sensitivity: "PUBLIC",
			Content:     map[string]any{"k": "v"},
		})
		require.NoError(t, err)
		assert.Equal(t, "public", rec.Sensitivity)
	})

	t.Run("unknown kind is allowed", func(t *testing.T) {
		rec, err := e.Store(ctx, "tn-1", StoreRequest{
			AgentID:   "ag-1",
			Kind:      "daydream",
			Embedding: embed(),
			Content:   map[string]any{"k": "v"},
		})
		require.NoError(t, err)
		assert.Equal(t, "daydream", rec.Kind)
	})
}

func TestStoreTTL(t *testing.T) {
	fs := newFakeMemoryStore()
	e := newTestEngine(fs)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	_, err := e.Store(context.Background(), "tn-1", StoreRequest{
		AgentID:   "ag-1",
		Kind:      "insight",
		Embedding: embed(),
		Content:   map[string]any{"k": "v"},
		TTLHours:  6,
	})
	require.NoError(t, err)

	require.Len(t, fs.inserted, 1)
	require.NotNil(t, fs.inserted[0].ExpiresAt)
	assert.Equal(t, now.Add(6*time.Hour), *fs.inserted[0].ExpiresAt)
}

func TestStorePersistsEmbedding(t *testing.T) {
	fs := newFakeMemoryStore()
	e := newTestEngine(fs)

	vec := embed()
	vec[0] = 0.25
	vec[1535] = -0.5

	_, err := e.Store(context.Background(), "tn-1", StoreRequest{
		AgentID:   "ag-1",
		Kind:      "insight",
		Embedding: vec,
		Content:   map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	// The row reaching the store carries the vector the search index needs.
	require.Len(t, fs.inserted, 1)
	assert.Equal(t, vec, fs.inserted[0].Embedding)
}

func TestStoreSecretEncryptsAtRest(t *testing.T) {
	fs := newFakeMemoryStore()
	e := newTestEngine(fs)
	ctx := context.Background()

	content := map[string]any{"finding": "rotate the deploy key"}
	rec, err := e.Store(ctx, "tn-1", StoreRequest{
		AgentID:     "ag-1",
		Kind:        "insight",
		Embedding:   embed(),
		Sensitivity: "secret",
		Content:     content,
	})
	require.NoError(t, err)

	// The stored row holds a ciphertext envelope, not the plaintext.
	require.Len(t, fs.inserted, 1)
	assert.True(t, fs.inserted[0].Encrypted)
	assert.NotContains(t, string(fs.inserted[0].Content), "rotate the deploy key")

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(fs.inserted[0].Content, &envelope))
	assert.NotEmpty(t, envelope["ciphertext"])

	// The returned record and a subsequent Get both decrypt.
	assert.Equal(t, "rotate the deploy key", rec.Content["finding"])

	got, err := e.Get(ctx, "tn-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotate the deploy key", got.Content["finding"])
}

func TestSearchDecoratesSimilarity(t *testing.T) {
	fs := newFakeMemoryStore()
	content, _ := json.Marshal(map[string]any{"k": "v"})
	fs.hits = []store.MemoryHit{
		{Memory: store.Memory{ID: "mem-1", AgentID: "ag-1", Kind: "insight", Content: content}, Similarity: 0.92},
	}
	e := newTestEngine(fs)

	out, err := e.Search(context.Background(), "tn-1", SearchQuery{Embedding: embed(), TopK: 5})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0.92, out[0].Similarity)
	assert.Equal(t, "v", out[0].Content["k"])
}

func TestSearchKeepsExpiryAndMetadata(t *testing.T) {
	fs := newFakeMemoryStore()
	content, _ := json.Marshal(map[string]any{"k": "v"})
	metadata, _ := json.Marshal(map[string]any{"source": "ingest"})
	expires := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	fs.hits = []store.MemoryHit{
		{Memory: store.Memory{
			ID:        "mem-1",
			AgentID:   "ag-1",
			Kind:      "insight",
			Content:   content,
			Metadata:  metadata,
			ExpiresAt: &expires,
		}, Similarity: 0.9},
	}
	e := newTestEngine(fs)

	out, err := e.Search(context.Background(), "tn-1", SearchQuery{Embedding: embed(), TopK: 5})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].ExpiresAt)
	assert.Equal(t, expires, *out[0].ExpiresAt)
	assert.Equal(t, map[string]any{"source": "ingest"}, out[0].Metadata)
}

func TestSearchRejectsBadEmbedding(t *testing.T) {
	e := newTestEngine(newFakeMemoryStore())
	_, err := e.Search(context.Background(), "tn-1", SearchQuery{Embedding: []float32{1}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestNormalizeFilters(t *testing.T) {
	q := NormalizeFilters(SearchQuery{}, map[string]any{
		"kind":     "insight",
		"agent_id": "ag-7",
		"quality":  map[string]any{"$gt": 0.6},
	})
	assert.Equal(t, "insight", q.KindFilter)
	assert.Equal(t, "ag-7", q.AgentFilter)
	assert.Equal(t, 0.6, q.MinQuality)

	// Explicit fields win over the map.
	q = NormalizeFilters(SearchQuery{KindFilter: "snippet"}, map[string]any{"kind": "insight"})
	assert.Equal(t, "snippet", q.KindFilter)

	// Nil map is a no-op.
	q = NormalizeFilters(SearchQuery{KindFilter: "plan"}, nil)
	assert.Equal(t, "plan", q.KindFilter)
}

func TestDeleteMissing(t *testing.T) {
	e := newTestEngine(newFakeMemoryStore())
	err := e.Delete(context.Background(), "tn-1", "mem-nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
