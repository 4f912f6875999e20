package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/vecmem/internal/api"
	"github.com/iammorganparry/vecmem/internal/logging"
	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/store"
)

type checker struct{ err error }

func (c checker) HealthCheck(context.Context) error { return c.err }

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ops.db"), func(o *store.Options) { o.Dimension = 3 })
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	db := openDB(t)

	t.Run("ok", func(t *testing.T) {
		rec := get(t, api.NewRouter(db, checker{}, logging.Discard()), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

		var resp api.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "ok", resp.DB.Status)
		assert.Equal(t, "ok", resp.Embedder.Status)
	})

	t.Run("embedder down", func(t *testing.T) {
		rec := get(t, api.NewRouter(db, checker{err: errors.New("connection refused")}, logging.Discard()), "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp api.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "connection refused", resp.Embedder.Message)
	})

	t.Run("no embedder", func(t *testing.T) {
		rec := get(t, api.NewRouter(db, nil, logging.Discard()), "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestStats(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	memories := store.NewMemoryStore(db)
	require.NoError(t, memories.Insert(ctx, &models.MemoryRecord{
		ID:        "c7a1f0de-2b3c-4d5e-8f90-1a2b3c4d5e6f",
		Table:     "messages",
		RoomID:    "room",
		AgentID:   "agent",
		UserID:    "user",
		Content:   models.Content{Text: "hello"},
		Embedding: []float32{1, 0, 0},
		CreatedAt: 1,
	}))

	rec := get(t, api.NewRouter(db, nil, logging.Discard()), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Memories["messages"])
	assert.Equal(t, 3, stats.EmbeddingDim)
	assert.Zero(t, stats.Knowledge)
}

func TestRecovery(t *testing.T) {
	h := api.Recovery(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := get(t, h, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
