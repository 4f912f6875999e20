package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/vector"
)

const knowledgeColumns = `id, agent_id, content, embedding, is_main, original_id,
	chunk_index, is_shared, created_at`

// KnowledgeStore persists main documents and their chunks.
type KnowledgeStore struct {
	db *DB
}

func NewKnowledgeStore(db *DB) *KnowledgeStore {
	return &KnowledgeStore{db: db}
}

// Insert stores a knowledge row. A second chunk with the same
// (original_id, chunk_index) fails with models.ErrConflict.
func (s *KnowledgeStore) Insert(ctx context.Context, k *models.KnowledgeRecord) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	contentJSON, err := json.Marshal(k.Content)
	if err != nil {
		return goerr.Wrap(err, "marshal knowledge content", goerr.V("id", k.ID))
	}

	var agentID, originalID, chunkIndex any
	if k.AgentID != nil {
		agentID = *k.AgentID
	}
	if k.OriginalID != nil {
		originalID = *k.OriginalID
	}
	if k.ChunkIndex != nil {
		chunkIndex = *k.ChunkIndex
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge (
			id, agent_id, content, embedding, is_main, original_id,
			chunk_index, is_shared, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		k.ID, agentID, string(contentJSON), embeddingValue(k.Embedding),
		boolToInt(k.IsMain), originalID, chunkIndex, boolToInt(k.IsShared), k.CreatedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return goerr.Wrap(models.ErrConflict, "knowledge row already exists",
				goerr.V("id", k.ID), goerr.V("original_id", originalID), goerr.V("chunk_index", chunkIndex))
		}
		return goerr.Wrap(err, "insert knowledge", goerr.V("id", k.ID))
	}
	return nil
}

// Get returns documents visible to f.AgentID (own or shared), newest first.
func (s *KnowledgeStore) Get(ctx context.Context, f models.KnowledgeFilter) ([]*models.KnowledgeRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM knowledge WHERE (agent_id = ? OR is_shared = 1)`, knowledgeColumns)
	args := []any{f.AgentID}
	if f.ID != "" {
		query += ` AND id = ?`
		args = append(args, f.ID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, "get knowledge", query, args...)
}

// Searchable returns rows visible to agentID that carry an embedding.
func (s *KnowledgeStore) Searchable(ctx context.Context, agentID string) ([]*models.KnowledgeRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM knowledge
		WHERE (agent_id = ? OR is_shared = 1) AND embedding IS NOT NULL`, knowledgeColumns)
	return s.query(ctx, "load knowledge candidates", query, agentID)
}

// Delete removes exactly one row. Chunks of a removed parent stay behind.
func (s *KnowledgeStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE id = ?`, id)
	if err != nil {
		return false, goerr.Wrap(err, "delete knowledge", goerr.V("id", id))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteChunks removes every chunk whose parent is originalID.
func (s *KnowledgeStore) DeleteChunks(ctx context.Context, originalID string) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE original_id = ?`, originalID)
	if err != nil {
		return 0, goerr.Wrap(err, "delete knowledge chunks", goerr.V("original_id", originalID))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear deletes the agent's rows, and shared rows too when includeShared.
func (s *KnowledgeStore) Clear(ctx context.Context, agentID string, includeShared bool) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM knowledge WHERE agent_id = ?`
	if includeShared {
		query = `DELETE FROM knowledge WHERE agent_id = ? OR is_shared = 1`
	}
	res, err := s.db.ExecContext(ctx, query, agentID)
	if err != nil {
		return 0, goerr.Wrap(err, "clear knowledge", goerr.V("agent_id", agentID))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *KnowledgeStore) query(ctx context.Context, op, query string, args ...any) ([]*models.KnowledgeRecord, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, op)
	}
	defer rows.Close()

	out := []*models.KnowledgeRecord{}
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, goerr.Wrap(err, op)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, op)
	}
	return out, nil
}

func scanKnowledge(sc scanner) (*models.KnowledgeRecord, error) {
	var (
		k           models.KnowledgeRecord
		agentID     sql.NullString
		contentJSON string
		embedding   []byte
		isMain      int
		originalID  sql.NullString
		chunkIndex  sql.NullInt64
		isShared    int
	)
	if err := sc.Scan(&k.ID, &agentID, &contentJSON, &embedding, &isMain,
		&originalID, &chunkIndex, &isShared, &k.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &k.Content); err != nil {
		return nil, goerr.Wrap(err, "decode knowledge content", goerr.V("id", k.ID))
	}
	if agentID.Valid {
		k.AgentID = &agentID.String
	}
	if originalID.Valid {
		k.OriginalID = &originalID.String
	}
	if chunkIndex.Valid {
		idx := int(chunkIndex.Int64)
		k.ChunkIndex = &idx
	}
	k.Embedding = vector.BytesToFloat32(embedding)
	k.IsMain = isMain == 1
	k.IsShared = isShared == 1
	return &k, nil
}
