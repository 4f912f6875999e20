package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ResultCacheStore is the durable (agent, key) -> serialized value table.
type ResultCacheStore struct {
	db *DB
}

func NewResultCacheStore(db *DB) *ResultCacheStore {
	return &ResultCacheStore{db: db}
}

// Get returns the cached value, with ok=false on a miss.
func (s *ResultCacheStore) Get(ctx context.Context, agentID, key string) (string, bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM cache WHERE key = ? AND agent_id = ?`, key, agentID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, goerr.Wrap(err, "get cache", goerr.V("agent_id", agentID), goerr.V("key", key))
	}
	return value, true, nil
}

// Set upserts a value.
func (s *ResultCacheStore) Set(ctx context.Context, agentID, key, value string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, agent_id, value, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key, agent_id) DO UPDATE SET value = excluded.value, created_at = excluded.created_at
	`, key, agentID, value, time.Now().UnixMilli())
	if err != nil {
		return goerr.Wrap(err, "set cache", goerr.V("agent_id", agentID), goerr.V("key", key))
	}
	return nil
}

// Delete removes a value and reports whether it existed.
func (s *ResultCacheStore) Delete(ctx context.Context, agentID, key string) (bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ? AND agent_id = ?`, key, agentID)
	if err != nil {
		return false, goerr.Wrap(err, "delete cache", goerr.V("agent_id", agentID), goerr.V("key", key))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes the agent's values, or every value when agentID is empty.
func (s *ResultCacheStore) Clear(ctx context.Context, agentID string) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if agentID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache WHERE agent_id = ?`, agentID)
	}
	if err != nil {
		return 0, goerr.Wrap(err, "clear cache", goerr.V("agent_id", agentID))
	}
	n, _ := res.RowsAffected()
	return n, nil
}
