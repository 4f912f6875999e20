package store

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/vector"
)

// EmbeddingCacheStore is the durable tier behind the embedding cache.
type EmbeddingCacheStore struct {
	db *DB
}

func NewEmbeddingCacheStore(db *DB) *EmbeddingCacheStore {
	return &EmbeddingCacheStore{db: db}
}

// PutIfAbsent stores entry unless its hash is already cached. The first
// write for a hash wins.
func (s *EmbeddingCacheStore) PutIfAbsent(ctx context.Context, entry *models.EmbeddingCacheEntry) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if entry.UpdatedAt == 0 {
		entry.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, text, embedding, dimension, owner_record_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(text_hash) DO NOTHING
	`, entry.TextHash, entry.Text, vector.Float32ToBytes(entry.Embedding), len(entry.Embedding),
		nullable(entry.OwnerRecordID), entry.UpdatedAt)
	if err != nil {
		return goerr.Wrap(err, "put embedding cache", goerr.V("text_hash", entry.TextHash))
	}
	return nil
}

// LinkRecord associates recordID with a cached hash and marks the record as
// the entry's most recent owner.
func (s *EmbeddingCacheStore) LinkRecord(ctx context.Context, textHash, recordID string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin link tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embedding_cache_records (record_id, text_hash) VALUES (?, ?)
		ON CONFLICT(record_id) DO UPDATE SET text_hash = excluded.text_hash
	`, recordID, textHash); err != nil {
		return goerr.Wrap(err, "link embedding record", goerr.V("record_id", recordID))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE embedding_cache SET owner_record_id = ?, updated_at = ? WHERE text_hash = ?
	`, recordID, time.Now().UnixMilli(), textHash); err != nil {
		return goerr.Wrap(err, "update embedding owner", goerr.V("text_hash", textHash))
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit link tx")
	}
	return nil
}

// All returns every cached entry.
func (s *EmbeddingCacheStore) All(ctx context.Context) ([]*models.EmbeddingCacheEntry, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT text_hash, text, embedding, COALESCE(owner_record_id, ''), updated_at
		FROM embedding_cache
	`)
	if err != nil {
		return nil, goerr.Wrap(err, "load embedding cache")
	}
	defer rows.Close()

	var out []*models.EmbeddingCacheEntry
	for rows.Next() {
		var (
			e   models.EmbeddingCacheEntry
			raw []byte
		)
		if err := rows.Scan(&e.TextHash, &e.Text, &raw, &e.OwnerRecordID, &e.UpdatedAt); err != nil {
			return nil, goerr.Wrap(err, "scan embedding cache")
		}
		e.Embedding = vector.BytesToFloat32(raw)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "load embedding cache")
	}
	return out, nil
}

// Links returns the record id to text hash index.
func (s *EmbeddingCacheStore) Links(ctx context.Context) (map[string]string, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT record_id, text_hash FROM embedding_cache_records`)
	if err != nil {
		return nil, goerr.Wrap(err, "load embedding links")
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var recordID, hash string
		if err := rows.Scan(&recordID, &hash); err != nil {
			return nil, goerr.Wrap(err, "scan embedding link")
		}
		out[recordID] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "load embedding links")
	}
	return out, nil
}

// Clear removes every entry and link.
func (s *EmbeddingCacheStore) Clear(ctx context.Context) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM embedding_cache_records; DELETE FROM embedding_cache;`); err != nil {
		return goerr.Wrap(err, "clear embedding cache")
	}
	return nil
}
