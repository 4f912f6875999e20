package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/iammorganparry/vecmem/internal/models"
	"github.com/iammorganparry/vecmem/internal/vector"
)

// memoryColumns is the canonical column list for all SELECT queries.
// Order must match scanMemory.
const memoryColumns = `id, scope_table, room_id, agent_id, user_id, content,
	embedding, is_unique, created_at`

// MemoryStore handles memory persistence on SQLite. Callers validate
// scope and dimensions before calling in.
type MemoryStore struct {
	db *DB
}

func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Insert stores a memory. ID and CreatedAt must already be set.
func (s *MemoryStore) Insert(ctx context.Context, m *models.MemoryRecord) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	contentJSON, err := json.Marshal(m.Content)
	if err != nil {
		return goerr.Wrap(err, "marshal memory content", goerr.V("id", m.ID))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, scope_table, room_id, agent_id, user_id, content, content_text,
			embedding, is_unique, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.Table, m.RoomID, nullable(m.AgentID), nullable(m.UserID),
		string(contentJSON), m.Content.Text,
		embeddingValue(m.Embedding), boolToInt(m.Unique), m.CreatedAt,
	)
	if err != nil {
		return goerr.Wrap(err, "insert memory", goerr.V("id", m.ID), goerr.V("table", m.Table))
	}
	return nil
}

// GetByID fetches a single memory by ID. A missing memory is (nil, nil).
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.MemoryRecord, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	m, err := scanMemory(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM memories WHERE id = ?`, memoryColumns), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get memory", goerr.V("id", id))
	}
	return m, nil
}

// GetByIDs fetches memories for a set of IDs, newest first. An empty table
// matches every table.
func (s *MemoryStore) GetByIDs(ctx context.Context, ids []string, table string) ([]*models.MemoryRecord, error) {
	if len(ids) == 0 {
		return []*models.MemoryRecord{}, nil
	}

	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE id IN (%s)`, memoryColumns, placeholders(len(ids)))
	if table != "" {
		query += ` AND scope_table = ?`
		args = append(args, table)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	return s.query(ctx, "get memories by ids", query, args...)
}

// List returns memories matching f, newest first. limit <= 0 means no cap.
func (s *MemoryStore) List(ctx context.Context, f models.MemoryFilter, limit int) ([]*models.MemoryRecord, error) {
	where, args := memoryWhere(f)
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s ORDER BY created_at DESC, id ASC`, memoryColumns, where)
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, "list memories", query, args...)
}

// ListByRoomIDs returns memories in table for any of roomIDs, newest first.
func (s *MemoryStore) ListByRoomIDs(ctx context.Context, table string, roomIDs []string, agentID string, limit int) ([]*models.MemoryRecord, error) {
	if len(roomIDs) == 0 {
		return []*models.MemoryRecord{}, nil
	}

	args := []any{table}
	for _, id := range roomIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE scope_table = ? AND room_id IN (%s)`,
		memoryColumns, placeholders(len(roomIDs)))
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, "list memories by rooms", query, args...)
}

// Candidates returns every memory matching f that carries an embedding.
func (s *MemoryStore) Candidates(ctx context.Context, f models.MemoryFilter) ([]*models.MemoryRecord, error) {
	where, args := memoryWhere(f)
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s AND embedding IS NOT NULL`, memoryColumns, where)
	return s.query(ctx, "load search candidates", query, args...)
}

// DeleteByID removes a memory from table. Deleting a missing memory is not
// an error; the return reports whether a row was removed.
func (s *MemoryStore) DeleteByID(ctx context.Context, id, table string) (bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND scope_table = ?`, id, table)
	if err != nil {
		return false, goerr.Wrap(err, "delete memory", goerr.V("id", id), goerr.V("table", table))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteAllInRoom removes every memory of table in roomID.
func (s *MemoryStore) DeleteAllInRoom(ctx context.Context, roomID, table string) (int64, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE room_id = ? AND scope_table = ?`, roomID, table)
	if err != nil {
		return 0, goerr.Wrap(err, "delete room memories", goerr.V("room_id", roomID), goerr.V("table", table))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of memories of table in roomID.
func (s *MemoryStore) Count(ctx context.Context, roomID, table string, uniqueOnly bool) (int, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	where, args := memoryWhere(models.MemoryFilter{Table: table, RoomID: roomID, UniqueOnly: uniqueOnly})
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+where, args...).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "count memories", goerr.V("room_id", roomID), goerr.V("table", table))
	}
	return n, nil
}

func (s *MemoryStore) query(ctx context.Context, op, query string, args ...any) ([]*models.MemoryRecord, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, op)
	}
	defer rows.Close()

	out := []*models.MemoryRecord{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, op)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, op)
	}
	return out, nil
}

// memoryWhere builds the AND-conjunction for f. Table is always applied.
func memoryWhere(f models.MemoryFilter) (string, []any) {
	conds := []string{"scope_table = ?"}
	args := []any{f.Table}

	if f.RoomID != "" {
		conds = append(conds, "room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.UniqueOnly {
		conds = append(conds, "is_unique = 1")
	}
	if f.Start > 0 {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Start)
	}
	if f.End > 0 {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.End)
	}
	return strings.Join(conds, " AND "), args
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner) (*models.MemoryRecord, error) {
	var (
		m           models.MemoryRecord
		agentID     sql.NullString
		userID      sql.NullString
		contentJSON string
		embedding   []byte
		unique      int
	)
	if err := sc.Scan(&m.ID, &m.Table, &m.RoomID, &agentID, &userID, &contentJSON,
		&embedding, &unique, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
		return nil, goerr.Wrap(err, "decode memory content", goerr.V("id", m.ID))
	}
	m.AgentID = agentID.String
	m.UserID = userID.String
	m.Embedding = vector.BytesToFloat32(embedding)
	m.Unique = unique == 1
	return &m, nil
}

// embeddingValue binds a missing embedding as NULL rather than an empty blob.
func embeddingValue(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return vector.Float32ToBytes(v)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
