package knowledge_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iammorganparry/vecmem/internal/cache"
	"github.com/iammorganparry/vecmem/internal/embedding"
	"github.com/iammorganparry/vecmem/internal/embedding/embeddingtest"
	"github.com/iammorganparry/vecmem/internal/knowledge"
	"github.com/iammorganparry/vecmem/internal/logging"
	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/store"
	"github.com/iammorganparry/vecmem/internal/vector"
)

const (
	agentA = "0d9e8f7a-6b5c-4d3e-2f1a-0b9c8d7e6f5a"
	agentB = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
)

type fixture struct {
	svc     *knowledge.Service
	results *cache.ResultCache
	logs    *bytes.Buffer
}

func setup(t *testing.T, dim int) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "knowledge.db"), func(o *store.Options) { o.Dimension = dim })
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	results, err := cache.New(store.NewResultCacheStore(db), 1<<20)
	require.NoError(t, err)
	t.Cleanup(results.Close)

	logs := &bytes.Buffer{}
	logger := logging.New("warn", logs)
	embedder := embedding.NewCachedEmbedder(embeddingtest.New(dim), embedding.NewCache(store.NewEmbeddingCacheStore(db)), dim, logger)
	svc := knowledge.NewService(
		store.NewKnowledgeStore(db),
		vector.NewEngine(dim),
		results,
		embedder,
		knowledge.NewChunker(40, 5),
		logger,
	)
	return &fixture{svc: svc, results: results, logs: logs}
}

func ptr[T any](v T) *T { return &v }

func create(t *testing.T, svc *knowledge.Service, agent, text string, emb []float32, shared bool, createdAt int64) string {
	t.Helper()
	doc := &knowledge.Document{
		AgentID: agent,
		Content: models.KnowledgeContent{
			Text:     text,
			Metadata: models.KnowledgeMetadata{IsShared: shared},
		},
		Embedding: emb,
		CreatedAt: createdAt,
	}
	ok, err := svc.Create(context.Background(), doc)
	require.NoError(t, err)
	require.True(t, ok)
	return doc.ID
}

func createChunk(t *testing.T, svc *knowledge.Service, parent, agent, text string, emb []float32, idx int) {
	t.Helper()
	ok, err := svc.CreateChunk(context.Background(), knowledge.ChunkParams{
		OriginalID: parent,
		AgentID:    agent,
		Content:    models.KnowledgeContent{Text: text},
		Embedding:  emb,
		ChunkIndex: idx,
		CreatedAt:  5000,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeywordScore(t *testing.T) {
	main := models.KnowledgeMetadata{IsMain: true}
	chunk := models.KnowledgeMetadata{IsChunk: true}

	assert.InDelta(t, 3.0*1.5, knowledge.KeywordScore("Goroutines ARE cheap", "goroutines are", chunk), 1e-9)
	assert.InDelta(t, 3.0*1.2, knowledge.KeywordScore("Goroutines are cheap", "cheap", main), 1e-9)
	assert.InDelta(t, 1.2, knowledge.KeywordScore("Goroutines are cheap", "threads", main), 1e-9)
	assert.InDelta(t, 3.0, knowledge.KeywordScore("Goroutines are cheap", "", models.KnowledgeMetadata{}), 1e-9)
	assert.InDelta(t, 3.0*1.5, knowledge.KeywordScore("anything", "", chunk), 1e-9)
	assert.InDelta(t, 3.0, knowledge.KeywordScore("Goroutines are cheap", "cheap", models.KnowledgeMetadata{}), 1e-9)
}

func TestCreate(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()

	parent := create(t, f.svc, agentA, "parent document", []float32{1, 0, 0, 0}, false, 1000)

	t.Run("main document", func(t *testing.T) {
		got, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA, ID: parent})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsMain)
		assert.True(t, got[0].Content.Metadata.IsMain)
		assert.Equal(t, agentA, *got[0].AgentID)
		assert.Nil(t, got[0].OriginalID)
	})

	t.Run("chunk metadata routes to chunk creation", func(t *testing.T) {
		doc := &knowledge.Document{
			AgentID: agentA,
			Content: models.KnowledgeContent{
				Text:     "a chunk",
				Metadata: models.KnowledgeMetadata{IsChunk: true, OriginalID: parent, ChunkIndex: ptr(2)},
			},
			Embedding: []float32{0, 1, 0, 0},
		}
		ok, err := f.svc.Create(ctx, doc)
		require.NoError(t, err)
		require.True(t, ok)

		all, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA})
		require.NoError(t, err)
		var chunk *models.KnowledgeRecord
		for _, k := range all {
			if k.OriginalID != nil {
				chunk = k
			}
		}
		require.NotNil(t, chunk)
		assert.False(t, chunk.IsMain)
		assert.Equal(t, parent, *chunk.OriginalID)
		assert.Equal(t, 2, *chunk.ChunkIndex)
		assert.Equal(t, parent+"-chunk-2", chunk.Content.Metadata.PatternID)
		assert.True(t, chunk.Content.Metadata.IsChunk)
	})

	t.Run("chunk keeps the caller's id", func(t *testing.T) {
		const chunkID = "5f0c7a1e-3b2d-4c1f-9e8a-7d6c5b4a3f21"
		doc := &knowledge.Document{
			ID:      chunkID,
			AgentID: agentA,
			Content: models.KnowledgeContent{
				Text:     "chunk with a known id",
				Metadata: models.KnowledgeMetadata{IsChunk: true, OriginalID: parent, ChunkIndex: ptr(3)},
			},
		}
		ok, err := f.svc.Create(ctx, doc)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, chunkID, doc.ID)

		got, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA, ID: chunkID})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, parent, *got[0].OriginalID)
		assert.Equal(t, 3, *got[0].ChunkIndex)
	})

	t.Run("generated chunk id is written back", func(t *testing.T) {
		doc := &knowledge.Document{
			AgentID: agentA,
			Content: models.KnowledgeContent{
				Text:     "chunk without an id",
				Metadata: models.KnowledgeMetadata{IsChunk: true, OriginalID: parent, ChunkIndex: ptr(4)},
			},
		}
		ok, err := f.svc.Create(ctx, doc)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotEmpty(t, doc.ID)

		got, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA, ID: doc.ID})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("duplicate chunk is a warning", func(t *testing.T) {
		ok, err := f.svc.CreateChunk(ctx, knowledge.ChunkParams{
			OriginalID: parent, AgentID: agentA, ChunkIndex: 2,
			Content: models.KnowledgeContent{Text: "again"},
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Contains(t, f.logs.String(), "knowledge row already exists")
	})

	t.Run("shared documents have no owner", func(t *testing.T) {
		id := create(t, f.svc, agentB, "shared doc", nil, true, 2000)
		got, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA, ID: id})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Nil(t, got[0].AgentID)
		assert.True(t, got[0].IsShared)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := f.svc.Create(ctx, &knowledge.Document{Content: models.KnowledgeContent{Text: "x"}})
		assert.ErrorIs(t, err, models.ErrValidation)

		_, err = f.svc.Create(ctx, &knowledge.Document{AgentID: agentA, Embedding: []float32{1, 2}})
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)

		_, err = f.svc.Get(ctx, models.KnowledgeFilter{})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestSearch(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()
	query := []float32{1, 0, 0, 0}
	const chunkText = "Goroutines are lightweight threads"

	mainID := create(t, f.svc, agentA,
		"Go concurrency guide. "+chunkText+" managed by the runtime.",
		[]float32{0.6, 0.8, 0, 0}, false, 1000)
	createChunk(t, f.svc, mainID, agentA, chunkText, []float32{0.5, 0.866, 0, 0}, 0)
	strongID := create(t, f.svc, agentA, "Channels connect goroutines", []float32{0.9, 0.436, 0, 0}, false, 2000)
	unrelatedID := create(t, f.svc, agentA, "Unrelated gardening notes", []float32{0.65, 0.76, 0, 0}, false, 3000)
	create(t, f.svc, agentA, chunkText+" but far away", []float32{0.2, 0.98, 0, 0}, false, 3500)
	create(t, f.svc, agentB, "Private to someone else", []float32{1, 0, 0, 0}, false, 4000)
	sharedID := create(t, f.svc, agentB, "Shared style guide", []float32{0.95, 0.312, 0, 0}, true, 4500)

	got, err := f.svc.Search(ctx, models.KnowledgeQuery{
		AgentID:   agentA,
		Embedding: query,
		Text:      chunkText,
		Threshold: ptr(0.7),
		Limit:     10,
	})
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.Record.ID
	}

	t.Run("exact chunk match outranks its main document", func(t *testing.T) {
		require.GreaterOrEqual(t, len(got), 2)
		assert.True(t, got[0].Record.Content.Metadata.IsChunk)
		assert.Equal(t, mainID, ids[1])
		assert.InDelta(t, 0.5*4.5, got[0].Similarity, 1e-3)
		assert.InDelta(t, 0.6*3.6, got[1].Similarity, 1e-3)
	})

	t.Run("threshold and keyword rescue", func(t *testing.T) {
		// The main-document boost alone lifts keywordScore above 1.0, so the
		// 0.65 row is rescued; the 0.2 row is below the rescue floor.
		assert.Equal(t, []string{ids[0], mainID, sharedID, strongID, unrelatedID}, ids)
		assert.InDelta(t, 0.65*1.2, got[4].Similarity, 1e-3)
	})

	t.Run("cached result is returned verbatim", func(t *testing.T) {
		f.results.Wait()
		create(t, f.svc, agentA, chunkText, []float32{1, 0, 0, 0}, false, 6000)

		again, err := f.svc.Search(ctx, models.KnowledgeQuery{
			AgentID: agentA, Embedding: query, Text: chunkText, Threshold: ptr(0.7), Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, len(got), len(again))
		assert.Equal(t, got[0].Record.ID, again[0].Record.ID)

		fresh, err := f.svc.Search(ctx, models.KnowledgeQuery{
			AgentID: agentA, Embedding: query, Threshold: ptr(0.7), Limit: 10,
		})
		require.NoError(t, err)
		assert.True(t, fresh[0].Record.IsMain)
		assert.InDelta(t, 3.0*1.2, fresh[0].Similarity, 1e-6)
	})

	t.Run("limit caps results", func(t *testing.T) {
		capped, err := f.svc.Search(ctx, models.KnowledgeQuery{
			AgentID: agentA, Embedding: query, Threshold: ptr(-1.0), Limit: 2,
		})
		require.NoError(t, err)
		assert.Len(t, capped, 2)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := f.svc.Search(ctx, models.KnowledgeQuery{AgentID: agentA, Embedding: []float32{1}})
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	})
}

func TestRemoveAndClear(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()

	parent := create(t, f.svc, agentA, "parent", []float32{1, 0, 0, 0}, false, 1000)
	createChunk(t, f.svc, parent, agentA, "c0", []float32{1, 0, 0, 0}, 0)
	createChunk(t, f.svc, parent, agentA, "c1", []float32{1, 0, 0, 0}, 1)
	create(t, f.svc, agentB, "shared", nil, true, 2000)

	t.Run("Remove leaves chunks", func(t *testing.T) {
		ok, err := f.svc.Remove(ctx, parent)
		require.NoError(t, err)
		assert.True(t, ok)

		left, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA})
		require.NoError(t, err)
		assert.Len(t, left, 3)
	})

	t.Run("RemoveWithChunks", func(t *testing.T) {
		n, err := f.svc.RemoveWithChunks(ctx, parent)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("Clear own only keeps shared", func(t *testing.T) {
		create(t, f.svc, agentA, "mine", nil, false, 3000)
		n, err := f.svc.Clear(ctx, agentA, false)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		left, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA})
		require.NoError(t, err)
		assert.Len(t, left, 1)
	})

	t.Run("Clear with shared", func(t *testing.T) {
		n, err := f.svc.Clear(ctx, agentA, true)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestIngest(t *testing.T) {
	f := setup(t, 16)
	ctx := context.Background()

	text := "Vector search ranks by cosine. Chunks keep a back reference.\n\nShared knowledge is visible to every agent in the deployment."
	res, err := f.svc.Ingest(ctx, knowledge.IngestRequest{AgentID: agentA, Text: text, Source: "manual"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocumentID)
	assert.Equal(t, len(knowledge.NewChunker(40, 5).Split(text)), res.Chunks)
	assert.Greater(t, res.Chunks, 1)

	all, err := f.svc.Get(ctx, models.KnowledgeFilter{AgentID: agentA})
	require.NoError(t, err)
	assert.Len(t, all, res.Chunks+1)

	seen := map[int]bool{}
	for _, k := range all {
		if k.IsMain {
			assert.Equal(t, text, k.Content.Text)
			assert.Equal(t, "manual", k.Content.Metadata.Source)
			continue
		}
		require.NotNil(t, k.ChunkIndex)
		assert.Equal(t, res.DocumentID, *k.OriginalID)
		seen[*k.ChunkIndex] = true
	}
	for i := 0; i < res.Chunks; i++ {
		assert.True(t, seen[i], "chunk %d missing", i)
	}

	t.Run("same id again is skipped", func(t *testing.T) {
		again, err := f.svc.Ingest(ctx, knowledge.IngestRequest{ID: res.DocumentID, AgentID: agentA, Text: text})
		require.NoError(t, err)
		assert.Equal(t, 1, again.Skipped)
		assert.Zero(t, again.Chunks)
	})

	t.Run("empty text", func(t *testing.T) {
		_, err := f.svc.Ingest(ctx, knowledge.IngestRequest{AgentID: agentA, Text: "  "})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}
