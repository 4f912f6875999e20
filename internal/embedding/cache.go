package embedding

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/models"
)

// Persister is the durable tier of the cache.
type Persister interface {
	PutIfAbsent(ctx context.Context, entry *models.EmbeddingCacheEntry) error
	LinkRecord(ctx context.Context, textHash, recordID string) error
	All(ctx context.Context) ([]*models.EmbeddingCacheEntry, error)
	Links(ctx context.Context) (map[string]string, error)
	Clear(ctx context.Context) error
}

// Cache maps normalized text to an embedding and remembers which record
// each entry produced. Entries are never evicted; Clear drops everything.
// Every mutation is written through to the Persister. A persist failure is
// returned wrapped in models.ErrCachePersist and leaves the in-memory
// state intact.
type Cache struct {
	mu         sync.RWMutex
	byHash     map[string]*models.EmbeddingCacheEntry
	byRecordID map[string]string
	durable    Persister
}

// NewCache returns an empty cache. durable may be nil for a process-local
// cache.
func NewCache(durable Persister) *Cache {
	return &Cache{
		byHash:     map[string]*models.EmbeddingCacheEntry{},
		byRecordID: map[string]string{},
		durable:    durable,
	}
}

// Normalize trims, collapses whitespace runs, and lowercases text.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Hash computes the SHA-256 hash of the normalized text.
func Hash(text string) string {
	h := sha256.Sum256([]byte(Normalize(text)))
	return fmt.Sprintf("%x", h)
}

// Load replaces the in-memory indices with the durable contents.
func (c *Cache) Load(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	entries, err := c.durable.All(ctx)
	if err != nil {
		return err
	}
	links, err := c.durable.Links(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash = make(map[string]*models.EmbeddingCacheEntry, len(entries))
	for _, e := range entries {
		c.byHash[e.TextHash] = e
	}
	c.byRecordID = links
	return nil
}

// Get returns a copy of the cached embedding for text.
func (c *Cache) Get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byHash[Hash(text)]
	if !ok {
		return nil, false
	}
	return clone(e.Embedding), true
}

// Put caches vec for text unless text is already cached.
func (c *Cache) Put(ctx context.Context, text string, vec []float32) error {
	hash := Hash(text)

	c.mu.Lock()
	if _, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return nil
	}
	entry := &models.EmbeddingCacheEntry{
		TextHash:  hash,
		Text:      text,
		Embedding: clone(vec),
		UpdatedAt: time.Now().UnixMilli(),
	}
	c.byHash[hash] = entry
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	persisted := *entry
	if err := c.durable.PutIfAbsent(ctx, &persisted); err != nil {
		return goerr.Wrap(persistError(err), "persist embedding cache entry", goerr.V("text_hash", hash))
	}
	return nil
}

// LinkToRecord records recordID as an owner of the entry for text. It
// reports false when text is not cached.
func (c *Cache) LinkToRecord(ctx context.Context, text, recordID string) (bool, error) {
	hash := Hash(text)

	c.mu.Lock()
	e, ok := c.byHash[hash]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	e.OwnerRecordID = recordID
	c.byRecordID[recordID] = hash
	c.mu.Unlock()

	if c.durable == nil {
		return true, nil
	}
	if err := c.durable.LinkRecord(ctx, hash, recordID); err != nil {
		return true, goerr.Wrap(persistError(err), "persist embedding cache link",
			goerr.V("text_hash", hash), goerr.V("record_id", recordID))
	}
	return true, nil
}

// ByRecordID returns the entry whose embedding produced recordID.
func (c *Cache) ByRecordID(recordID string) (*models.EmbeddingCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hash, ok := c.byRecordID[recordID]
	if !ok {
		return nil, false
	}
	e, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	cp := *e
	cp.Embedding = clone(e.Embedding)
	return &cp, true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHash)
}

// Clear drops every entry in memory and in durable storage.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.byHash = map[string]*models.EmbeddingCacheEntry{}
	c.byRecordID = map[string]string{}
	c.mu.Unlock()

	if c.durable == nil {
		return nil
	}
	if err := c.durable.Clear(ctx); err != nil {
		return goerr.Wrap(persistError(err), "clear embedding cache")
	}
	return nil
}

// persistError keeps both the sentinel and the backend error in the chain.
func persistError(err error) error {
	return fmt.Errorf("%w: %w", models.ErrCachePersist, err)
}

func clone(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
