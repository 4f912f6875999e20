package embedding

import (
	"context"
	"log/slog"

	"github.com/iammorganparry/vecmem/internal/vector"
)

// Provider is an external embedding model.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	HealthCheck(ctx context.Context) error
}

// CachedEmbedder wraps a Provider with the embedding cache. Cache write
// failures are logged and never fail the embed.
type CachedEmbedder struct {
	provider Provider
	cache    *Cache
	dim      int
	logger   *slog.Logger
}

func NewCachedEmbedder(provider Provider, cache *Cache, dim int, logger *slog.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		dim:      dim,
		logger:   logger,
	}
}

// Embed returns the embedding for text, using the cache when available.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.Get(text); ok {
		return vec, nil
	}

	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.dim {
		return nil, vector.DimensionError(e.dim, len(vec))
	}

	if err := e.cache.Put(ctx, text, vec); err != nil {
		e.logger.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

// Link records recordID as the owner of text's cached embedding.
func (e *CachedEmbedder) Link(ctx context.Context, text, recordID string) {
	if _, err := e.cache.LinkToRecord(ctx, text, recordID); err != nil {
		e.logger.Warn("embedding cache link failed", "record_id", recordID, "error", err)
	}
}

func (e *CachedEmbedder) Cache() *Cache { return e.cache }

func (e *CachedEmbedder) HealthCheck(ctx context.Context) error {
	return e.provider.HealthCheck(ctx)
}
