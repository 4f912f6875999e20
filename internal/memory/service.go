package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/samber/lo"

	"github.com/iammorganparry/vecmem/internal/embedding"
	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/store"
	"github.com/iammorganparry/vecmem/internal/vector"
)

// maxCompareRunes bounds both sides of an edit-distance comparison.
const maxCompareRunes = 255

// SearchOptions scopes a similarity search. Filter.Table is required.
type SearchOptions struct {
	Filter    models.MemoryFilter
	Threshold *float64
	Limit     int
	Offset    int
}

// Service is the facade for memory operations.
type Service struct {
	memoryStore *store.MemoryStore
	engine      *vector.Engine
	embedder    *embedding.CachedEmbedder
	dedup       *Deduplicator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the memory store to the similarity engine. embedder may
// be nil when callers only use the vector-level operations.
func NewService(
	memoryStore *store.MemoryStore,
	engine *vector.Engine,
	embedder *embedding.CachedEmbedder,
	dedupThreshold float64,
	logger *slog.Logger,
) *Service {
	s := &Service{
		memoryStore: memoryStore,
		engine:      engine,
		embedder:    embedder,
		logger:      logger,
		now:         time.Now,
	}
	s.dedup = NewDeduplicator(s, dedupThreshold)
	return s
}

// Insert stores m, generating an ID and creation time when absent. Unique
// is uniqueOverride when given, otherwise whether no memory in the same
// room and table is a near duplicate.
func (s *Service) Insert(ctx context.Context, m *models.MemoryRecord, uniqueOverride *bool) error {
	if err := requireScope(m.Table, m.RoomID); err != nil {
		return err
	}
	if len(m.Embedding) > 0 {
		if err := s.engine.Validate(m.Embedding); err != nil {
			return err
		}
		m.Embedding = vector.Sanitize(m.Embedding)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = s.now().UnixMilli()
	}

	if uniqueOverride != nil {
		m.Unique = *uniqueOverride
	} else {
		res, err := s.dedup.CheckDuplicate(ctx, m)
		if err != nil {
			return err
		}
		m.Unique = res.Unique()
		if !m.Unique {
			s.logger.Debug("memory is a near duplicate",
				"id", m.ID, "duplicate_of", res.DuplicateID, "similarity", res.Similarity)
		}
	}

	return s.memoryStore.Insert(ctx, m)
}

// GetByID returns nil when the memory does not exist.
func (s *Service) GetByID(ctx context.Context, id string) (*models.MemoryRecord, error) {
	return s.memoryStore.GetByID(ctx, id)
}

// GetByIDs returns the memories found among ids, optionally restricted to
// table. Empty input issues no query.
func (s *Service) GetByIDs(ctx context.Context, ids []string, table string) ([]*models.MemoryRecord, error) {
	ids = lo.Uniq(nonEmpty(ids))
	if len(ids) == 0 {
		return []*models.MemoryRecord{}, nil
	}
	return s.memoryStore.GetByIDs(ctx, ids, table)
}

// List returns memories in a room, newest first.
func (s *Service) List(ctx context.Context, f models.MemoryFilter, limit int) ([]*models.MemoryRecord, error) {
	if err := requireScope(f.Table, f.RoomID); err != nil {
		return nil, err
	}
	return s.memoryStore.List(ctx, f, limit)
}

// GetByRoomIDs returns memories across several rooms, newest first.
func (s *Service) GetByRoomIDs(ctx context.Context, table string, roomIDs []string, agentID string, limit int) ([]*models.MemoryRecord, error) {
	if table == "" {
		return nil, goerr.Wrap(models.ErrValidation, "table is required")
	}
	roomIDs = lo.Uniq(nonEmpty(roomIDs))
	if len(roomIDs) == 0 {
		return []*models.MemoryRecord{}, nil
	}
	return s.memoryStore.ListByRoomIDs(ctx, table, roomIDs, agentID, limit)
}

// DeleteByID removes a memory. A missing memory is not an error.
func (s *Service) DeleteByID(ctx context.Context, id, table string) error {
	if table == "" {
		return goerr.Wrap(models.ErrValidation, "table is required")
	}
	_, err := s.memoryStore.DeleteByID(ctx, id, table)
	return err
}

func (s *Service) DeleteAllInRoom(ctx context.Context, roomID, table string) error {
	if err := requireScope(table, roomID); err != nil {
		return err
	}
	n, err := s.memoryStore.DeleteAllInRoom(ctx, roomID, table)
	if err != nil {
		return err
	}
	s.logger.Debug("deleted room memories", "room_id", roomID, "table", table, "count", n)
	return nil
}

func (s *Service) Count(ctx context.Context, roomID, table string, uniqueOnly bool) (int, error) {
	if err := requireScope(table, roomID); err != nil {
		return 0, err
	}
	return s.memoryStore.Count(ctx, roomID, table, uniqueOnly)
}

// SearchByEmbedding ranks memories in scope by cosine similarity to vec.
func (s *Service) SearchByEmbedding(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SimilaritySearchResult, error) {
	if opts.Filter.Table == "" {
		return nil, goerr.Wrap(models.ErrValidation, "table is required")
	}
	if err := s.engine.Validate(vec); err != nil {
		return nil, err
	}

	records, err := s.memoryStore.Candidates(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(records, func(m *models.MemoryRecord) string { return m.ID })
	candidates := lo.Map(records, func(m *models.MemoryRecord, _ int) vector.Candidate {
		return vector.Candidate{ID: m.ID, CreatedAt: m.CreatedAt, Embedding: m.Embedding}
	})

	matches, err := s.engine.Rank(vector.Query{
		Vector:    vec,
		Threshold: opts.Threshold,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}, candidates)
	if err != nil {
		return nil, err
	}

	return lo.Map(matches, func(m vector.Match, _ int) models.SimilaritySearchResult {
		return models.SimilaritySearchResult{Record: byID[m.ID], Similarity: m.Similarity}
	}), nil
}

// CachedEmbeddings returns embeddings of memories in table whose text is
// within maxDistance edits of text, closest first. Both texts are compared
// on their first 255 runes.
func (s *Service) CachedEmbeddings(ctx context.Context, table, text string, maxDistance, limit int) ([]models.CachedEmbedding, error) {
	if table == "" {
		return nil, goerr.Wrap(models.ErrValidation, "table is required")
	}
	records, err := s.memoryStore.Candidates(ctx, models.MemoryFilter{Table: table})
	if err != nil {
		return nil, err
	}

	query := truncateRunes(text, maxCompareRunes)
	out := []models.CachedEmbedding{}
	for _, m := range records {
		d := levenshtein.ComputeDistance(query, truncateRunes(m.Content.Text, maxCompareRunes))
		if d > maxDistance {
			continue
		}
		out = append(out, models.CachedEmbedding{Embedding: m.Embedding, LevenshteinScore: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LevenshteinScore < out[j].LevenshteinScore })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RememberRequest is a text-level insert; the embedding is computed here.
type RememberRequest struct {
	Table          string
	RoomID         string
	AgentID        string
	UserID         string
	Content        models.Content
	UniqueOverride *bool
}

// Remember embeds req.Content.Text through the embedding cache, inserts the
// memory, and links the cache entry to the new record.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (*models.MemoryRecord, error) {
	if s.embedder == nil {
		return nil, goerr.New("memory service has no embedder")
	}
	if err := requireScope(req.Table, req.RoomID); err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, req.Content.Text)
	if err != nil {
		return nil, goerr.Wrap(err, "embed memory", goerr.V("table", req.Table))
	}

	m := &models.MemoryRecord{
		Table:     req.Table,
		RoomID:    req.RoomID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		Content:   req.Content,
		Embedding: vec,
	}
	if err := s.Insert(ctx, m, req.UniqueOverride); err != nil {
		return nil, err
	}
	s.embedder.Link(ctx, req.Content.Text, m.ID)
	return m, nil
}

// Recall embeds text and searches with opts.
func (s *Service) Recall(ctx context.Context, text string, opts SearchOptions) ([]models.SimilaritySearchResult, error) {
	if s.embedder == nil {
		return nil, goerr.New("memory service has no embedder")
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "embed query")
	}
	return s.SearchByEmbedding(ctx, vec, opts)
}

func requireScope(table, roomID string) error {
	if table == "" {
		return goerr.Wrap(models.ErrValidation, "table is required")
	}
	if roomID == "" {
		return goerr.Wrap(models.ErrValidation, "room id is required", goerr.V("table", table))
	}
	return nil
}

func nonEmpty(ids []string) []string {
	return lo.Filter(ids, func(id string, _ int) bool { return id != "" })
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
