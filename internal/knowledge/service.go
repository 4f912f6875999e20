package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/cache"
	"github.com/iammorganparry/vecmem/internal/embedding"
	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/store"
	"github.com/iammorganparry/vecmem/internal/vector"
)

const (
	keywordHit     = 3.0
	keywordMiss    = 1.0
	chunkBoost     = 1.5
	mainBoost      = 1.2
	rescueMinScore = 0.3
)

// Document is a knowledge create request. Content.Metadata.IsChunk with
// Content.Metadata.OriginalID routes the request to chunk creation.
type Document struct {
	ID        string
	AgentID   string
	Content   models.KnowledgeContent
	Embedding []float32
	CreatedAt int64
}

// ChunkParams describes one chunk of a main document. ID is generated when
// empty.
type ChunkParams struct {
	ID         string
	OriginalID string
	AgentID    string
	Content    models.KnowledgeContent
	Embedding  []float32
	ChunkIndex int
	IsShared   bool
	CreatedAt  int64
}

type Service struct {
	knowledgeStore *store.KnowledgeStore
	engine         *vector.Engine
	results        *cache.ResultCache
	embedder       *embedding.CachedEmbedder
	chunker        *Chunker
	logger         *slog.Logger
	now            func() time.Time
}

// NewService wires knowledge persistence, ranking and the result cache.
// embedder and chunker are only needed by Ingest.
func NewService(
	knowledgeStore *store.KnowledgeStore,
	engine *vector.Engine,
	results *cache.ResultCache,
	embedder *embedding.CachedEmbedder,
	chunker *Chunker,
	logger *slog.Logger,
) *Service {
	return &Service{
		knowledgeStore: knowledgeStore,
		engine:         engine,
		results:        results,
		embedder:       embedder,
		chunker:        chunker,
		logger:         logger,
		now:            time.Now,
	}
}

// Create inserts a main document, or a chunk when the metadata says so.
// doc.ID is filled in when empty. A duplicate row is logged and reported
// as false.
func (s *Service) Create(ctx context.Context, doc *Document) (bool, error) {
	meta := doc.Content.Metadata
	if meta.IsChunk && meta.OriginalID != "" {
		idx := 0
		if meta.ChunkIndex != nil {
			idx = *meta.ChunkIndex
		}
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		return s.CreateChunk(ctx, ChunkParams{
			ID:         doc.ID,
			OriginalID: meta.OriginalID,
			AgentID:    doc.AgentID,
			Content:    doc.Content,
			Embedding:  doc.Embedding,
			ChunkIndex: idx,
			IsShared:   meta.IsShared,
			CreatedAt:  doc.CreatedAt,
		})
	}

	if doc.AgentID == "" {
		return false, goerr.Wrap(models.ErrValidation, "agent id is required")
	}
	vec, err := s.prepareEmbedding(doc.Embedding)
	if err != nil {
		return false, err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	content := doc.Content
	content.Metadata.IsMain = true
	content.Metadata.IsChunk = false

	rec := &models.KnowledgeRecord{
		ID:        doc.ID,
		AgentID:   ownerOf(doc.AgentID, meta.IsShared),
		Content:   content,
		Embedding: vec,
		IsMain:    true,
		IsShared:  meta.IsShared,
		CreatedAt: s.timestamp(doc.CreatedAt),
	}
	return s.insert(ctx, rec)
}

// CreateChunk stores one chunk tagged with the pattern id
// "<originalId>-chunk-<chunkIndex>". The parent is not checked.
func (s *Service) CreateChunk(ctx context.Context, p ChunkParams) (bool, error) {
	if p.AgentID == "" {
		return false, goerr.Wrap(models.ErrValidation, "agent id is required")
	}
	if p.OriginalID == "" {
		return false, goerr.Wrap(models.ErrValidation, "original id is required")
	}
	vec, err := s.prepareEmbedding(p.Embedding)
	if err != nil {
		return false, err
	}

	idx := p.ChunkIndex
	content := p.Content
	content.Metadata.IsChunk = true
	content.Metadata.IsMain = false
	content.Metadata.OriginalID = p.OriginalID
	content.Metadata.ChunkIndex = &idx
	content.Metadata.IsShared = p.IsShared
	content.Metadata.PatternID = fmt.Sprintf("%s-chunk-%d", p.OriginalID, idx)

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	originalID := p.OriginalID
	rec := &models.KnowledgeRecord{
		ID:         id,
		AgentID:    ownerOf(p.AgentID, p.IsShared),
		Content:    content,
		Embedding:  vec,
		OriginalID: &originalID,
		ChunkIndex: &idx,
		IsShared:   p.IsShared,
		CreatedAt:  s.timestamp(p.CreatedAt),
	}
	return s.insert(ctx, rec)
}

func (s *Service) insert(ctx context.Context, rec *models.KnowledgeRecord) (bool, error) {
	err := s.knowledgeStore.Insert(ctx, rec)
	if errors.Is(err, models.ErrConflict) {
		s.logger.Warn("knowledge row already exists", "id", rec.ID, "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns documents the agent can see, newest first.
func (s *Service) Get(ctx context.Context, f models.KnowledgeFilter) ([]*models.KnowledgeRecord, error) {
	if f.AgentID == "" {
		return nil, goerr.Wrap(models.ErrValidation, "agent id is required")
	}
	return s.knowledgeStore.Get(ctx, f)
}

// Search ranks visible knowledge by vectorScore * keywordScore. A row
// qualifies when its vector score reaches the threshold, or when the query
// text matches it and its vector score is at least 0.3. Results for a
// non-empty query text are served from and stored in the result cache
// without invalidation.
func (s *Service) Search(ctx context.Context, q models.KnowledgeQuery) ([]models.RankedKnowledge, error) {
	if q.AgentID == "" {
		return nil, goerr.Wrap(models.ErrValidation, "agent id is required")
	}
	if err := s.engine.Validate(q.Embedding); err != nil {
		return nil, err
	}

	key := cacheKey(q.AgentID, q.Text)
	if q.Text != "" {
		if cached, ok := s.cachedResults(ctx, q.AgentID, key); ok {
			return cached, nil
		}
	}

	rows, err := s.knowledgeStore.Searchable(ctx, q.AgentID)
	if err != nil {
		return nil, err
	}

	query := vector.Sanitize(q.Embedding)
	threshold := s.engine.Threshold(q.Threshold)
	ranked := []models.RankedKnowledge{}
	for _, row := range rows {
		if len(row.Embedding) != s.engine.Dimension() {
			continue
		}
		vs := 1 - vector.CosineDistance(query, vector.Sanitize(row.Embedding))
		ks := KeywordScore(row.Content.Text, q.Text, row.Content.Metadata)
		if vs < threshold && !(ks > keywordMiss && vs >= rescueMinScore) {
			continue
		}
		ranked = append(ranked, models.RankedKnowledge{
			Record:       row,
			Similarity:   vs * ks,
			VectorScore:  vs,
			KeywordScore: ks,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Record.CreatedAt != b.Record.CreatedAt {
			return a.Record.CreatedAt > b.Record.CreatedAt
		}
		return a.Record.ID < b.Record.ID
	})
	ranked = vector.Page(ranked, 0, s.engine.Limit(q.Limit))

	if q.Text != "" {
		s.storeResults(ctx, q.AgentID, key, ranked)
	}
	return ranked, nil
}

// KeywordScore is 3.0 when text contains query case-insensitively and 1.0
// otherwise, multiplied by 1.5 for chunks or 1.2 for main documents. An
// empty query is contained in every text.
func KeywordScore(text, query string, meta models.KnowledgeMetadata) float64 {
	score := keywordMiss
	if strings.Contains(strings.ToLower(text), strings.ToLower(query)) {
		score = keywordHit
	}
	switch {
	case meta.IsChunk:
		score *= chunkBoost
	case meta.IsMain:
		score *= mainBoost
	}
	return score
}

func (s *Service) cachedResults(ctx context.Context, agentID, key string) ([]models.RankedKnowledge, bool) {
	raw, ok, err := s.results.Get(ctx, agentID, key)
	if err != nil {
		s.logger.Warn("result cache read failed", "agent_id", agentID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var out []models.RankedKnowledge
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		s.logger.Warn("result cache entry is corrupt", "agent_id", agentID, "error", err)
		return nil, false
	}
	return out, true
}

func (s *Service) storeResults(ctx context.Context, agentID, key string, ranked []models.RankedKnowledge) {
	raw, err := json.Marshal(ranked)
	if err != nil {
		s.logger.Warn("encode search results", "agent_id", agentID, "error", err)
		return
	}
	if err := s.results.Set(ctx, agentID, key, string(raw)); err != nil {
		s.logger.Warn("result cache write failed", "agent_id", agentID, "error", err)
	}
}

// Remove deletes exactly one row. Chunks of a removed main document are
// left in place; use RemoveWithChunks to delete both.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	return s.knowledgeStore.Delete(ctx, id)
}

// RemoveWithChunks deletes a main document and every chunk pointing at it.
// The two deletes are not atomic.
func (s *Service) RemoveWithChunks(ctx context.Context, id string) (int64, error) {
	n, err := s.knowledgeStore.DeleteChunks(ctx, id)
	if err != nil {
		return n, err
	}
	ok, err := s.knowledgeStore.Delete(ctx, id)
	if ok {
		n++
	}
	return n, err
}

// Clear deletes the agent's knowledge, and all shared knowledge as well
// when includeShared is set.
func (s *Service) Clear(ctx context.Context, agentID string, includeShared bool) (int64, error) {
	if agentID == "" {
		return 0, goerr.Wrap(models.ErrValidation, "agent id is required")
	}
	return s.knowledgeStore.Clear(ctx, agentID, includeShared)
}

// IngestRequest is a raw document to be stored with its chunks.
type IngestRequest struct {
	ID       string
	AgentID  string
	Text     string
	Source   string
	IsShared bool
	Extra    map[string]any
}

type IngestResult struct {
	DocumentID string `json:"documentId"`
	Chunks     int    `json:"chunks"`
	Skipped    int    `json:"skipped"`
}

// Ingest stores the document with an embedding of its full text, then
// splits, embeds and stores each chunk. Chunk failures are collected and do
// not remove the document.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if s.embedder == nil || s.chunker == nil {
		return nil, goerr.New("knowledge service is not configured for ingestion")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, goerr.Wrap(models.ErrValidation, "document text is empty")
	}

	vec, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		return nil, goerr.Wrap(err, "embed document")
	}

	createdAt := s.now().UnixMilli()
	doc := &Document{
		ID:      req.ID,
		AgentID: req.AgentID,
		Content: models.KnowledgeContent{
			Text: req.Text,
			Metadata: models.KnowledgeMetadata{
				IsShared: req.IsShared,
				Source:   req.Source,
				Extra:    req.Extra,
			},
		},
		Embedding: vec,
		CreatedAt: createdAt,
	}
	created, err := s.Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !created {
		return &IngestResult{DocumentID: doc.ID, Skipped: 1}, nil
	}
	s.embedder.Link(ctx, req.Text, doc.ID)

	result := &IngestResult{DocumentID: doc.ID}
	var merr *multierror.Error
	for i, chunk := range s.chunker.Split(req.Text) {
		cvec, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			merr = multierror.Append(merr, goerr.Wrap(err, "embed chunk", goerr.V("chunk_index", i)))
			continue
		}
		ok, err := s.CreateChunk(ctx, ChunkParams{
			OriginalID: doc.ID,
			AgentID:    req.AgentID,
			Content: models.KnowledgeContent{
				Text:     chunk,
				Metadata: models.KnowledgeMetadata{Source: req.Source},
			},
			Embedding:  cvec,
			ChunkIndex: i,
			IsShared:   req.IsShared,
			CreatedAt:  createdAt,
		})
		switch {
		case err != nil:
			merr = multierror.Append(merr, goerr.Wrap(err, "store chunk", goerr.V("chunk_index", i)))
		case ok:
			result.Chunks++
		default:
			result.Skipped++
		}
	}

	s.logger.Info("knowledge ingested",
		"document_id", doc.ID, "chunks", result.Chunks, "skipped", result.Skipped)
	return result, merr.ErrorOrNil()
}

func (s *Service) prepareEmbedding(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if err := s.engine.Validate(vec); err != nil {
		return nil, err
	}
	return vector.Sanitize(vec), nil
}

func (s *Service) timestamp(ts int64) int64 {
	if ts != 0 {
		return ts
	}
	return s.now().UnixMilli()
}

func cacheKey(agentID, text string) string {
	return "embedding_" + agentID + "_" + text
}

// ownerOf returns nil for shared rows.
func ownerOf(agentID string, shared bool) *string {
	if shared {
		return nil
	}
	return &agentID
}
