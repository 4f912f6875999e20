// Package cache memoizes serialized search results per agent. An
// in-process ristretto cache fronts the durable SQLite table; the hot tier
// may drop entries at any time and the durable tier is the fallback.
package cache

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// Durable is the persistent tier.
type Durable interface {
	Get(ctx context.Context, agentID, key string) (string, bool, error)
	Set(ctx context.Context, agentID, key, value string) error
	Delete(ctx context.Context, agentID, key string) (bool, error)
	Clear(ctx context.Context, agentID string) (int64, error)
}

type ResultCache struct {
	hot     *ristretto.Cache
	durable Durable
}

// New creates a result cache whose hot tier holds up to maxCost bytes of
// values.
func New(durable Durable, maxCost int64) (*ResultCache, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create result cache")
	}
	return &ResultCache{hot: hot, durable: durable}, nil
}

func hotKey(agentID, key string) string {
	return agentID + "\x00" + key
}

// Get returns the cached value for (agentID, key).
func (c *ResultCache) Get(ctx context.Context, agentID, key string) (string, bool, error) {
	if v, ok := c.hot.Get(hotKey(agentID, key)); ok {
		if s, ok := v.(string); ok {
			return s, true, nil
		}
	}

	value, ok, err := c.durable.Get(ctx, agentID, key)
	if err != nil || !ok {
		return "", false, err
	}
	c.hot.Set(hotKey(agentID, key), value, int64(len(value)))
	return value, true, nil
}

// Set upserts a value in the durable tier and drops any hot copy; the next
// Get repopulates the hot tier.
func (c *ResultCache) Set(ctx context.Context, agentID, key, value string) error {
	c.hot.Del(hotKey(agentID, key))
	return c.durable.Set(ctx, agentID, key, value)
}

// Delete removes a value and reports whether the durable tier held it.
func (c *ResultCache) Delete(ctx context.Context, agentID, key string) (bool, error) {
	c.hot.Del(hotKey(agentID, key))
	return c.durable.Delete(ctx, agentID, key)
}

// Clear drops the agent's values, or all values when agentID is empty.
// The hot tier is always emptied entirely.
func (c *ResultCache) Clear(ctx context.Context, agentID string) (int64, error) {
	c.hot.Clear()
	return c.durable.Clear(ctx, agentID)
}

// Wait blocks until pending hot-tier writes are applied.
func (c *ResultCache) Wait() { c.hot.Wait() }

func (c *ResultCache) Close() { c.hot.Close() }
