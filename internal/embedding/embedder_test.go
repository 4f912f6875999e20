package embedding_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/vecmem/internal/embedding"
	"github.com/iammorganparry/vecmem/internal/embedding/embeddingtest"
	"github.com/iammorganparry/vecmem/internal/logging"
	"github.com/iammorganparry/vecmem/internal/models"
)

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit skips provider", func(t *testing.T) {
		fake := embeddingtest.New(8)
		e := embedding.NewCachedEmbedder(fake, embedding.NewCache(nil), 8, logging.Discard())

		v1, err := e.Embed(ctx, "the same text")
		require.NoError(t, err)
		v2, err := e.Embed(ctx, "The same  text")
		require.NoError(t, err)

		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, fake.Calls())
	})

	t.Run("wrong width from provider is rejected", func(t *testing.T) {
		fake := embeddingtest.New(8)
		e := embedding.NewCachedEmbedder(fake, embedding.NewCache(nil), 16, logging.Discard())

		_, err := e.Embed(ctx, "anything")
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)
		assert.Contains(t, err.Error(), "different vector dimensions 16 and 8")
	})

	t.Run("provider error propagates", func(t *testing.T) {
		fake := embeddingtest.New(8)
		backend := errors.New("model offline")
		fake.Fail(backend)
		e := embedding.NewCachedEmbedder(fake, embedding.NewCache(nil), 8, logging.Discard())

		_, err := e.Embed(ctx, "anything")
		assert.ErrorIs(t, err, backend)
	})

	t.Run("cache persist failure is only logged", func(t *testing.T) {
		buf := &bytes.Buffer{}
		fake := embeddingtest.New(8)
		cache := embedding.NewCache(failingPersister{err: errors.New("readonly")})
		e := embedding.NewCachedEmbedder(fake, cache, 8, logging.New("warn", buf))

		vec, err := e.Embed(ctx, "still works")
		require.NoError(t, err)
		assert.Len(t, vec, 8)
		assert.Contains(t, buf.String(), "embedding cache write failed")

		e.Link(ctx, "still works", "rec-1")
		assert.Contains(t, buf.String(), "embedding cache link failed")
	})
}

func TestOllamaClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			var req struct {
				Model string `json:"model"`
				Input string `json:"input"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if req.Input == "boom" {
				http.Error(w, "model not loaded", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := embedding.NewOllamaClient(srv.URL, "test-model")
	ctx := context.Background()

	vec, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = c.Embed(ctx, "boom")
	assert.Error(t, err)

	assert.NoError(t, c.HealthCheck(ctx))
}

func TestOpenAIClient(t *testing.T) {
	var gotDims float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotDims, _ = body["dimensions"].(float64)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.5, -0.5, 0.25}},
			},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	defer srv.Close()

	c := embedding.NewOpenAIClient("test-key", srv.URL, "text-embedding-3-small", 3)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5, 0.25}, vec)
	assert.Equal(t, float64(3), gotDims)
}
