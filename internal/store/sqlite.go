package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mattn/go-sqlite3"

	"github.com/iammorganparry/vecmem/internal/models"
)

// DB wraps the SQLite connection with schema and timeout handling.
type DB struct {
	*sql.DB
	dim     int
	timeout time.Duration
	created bool
}

type Options struct {
	// Dimension is the embedding width recorded for the deployed schema.
	Dimension int
	// QueryTimeout bounds calls whose context carries no deadline.
	QueryTimeout time.Duration
}

// Open creates or opens the SQLite database at the given path and
// initializes the schema. Opening a database created with a different
// embedding dimension fails with a validation error.
func Open(dbPath string, optFns ...func(o *Options)) (*DB, error) {
	opts := Options{
		Dimension:    384,
		QueryTimeout: 30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create db directory", goerr.V("dir", dir))
	}

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", dbPath))
	}

	sqlDB.SetMaxOpenConns(1) // SQLite handles one writer at a time

	db := &DB{DB: sqlDB, dim: opts.Dimension, timeout: opts.QueryTimeout}

	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()

	created, err := db.InitSchema(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.created = created
	if err := db.checkDimension(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// Created reports whether Open had to create the schema.
func (db *DB) Created() bool { return db.created }

// Dimension returns the embedding width this database was opened with.
func (db *DB) Dimension() int { return db.dim }

// withTimeout applies the default query timeout unless ctx already has a
// deadline.
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || db.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.timeout)
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
  id TEXT PRIMARY KEY,
  scope_table TEXT NOT NULL,
  room_id TEXT NOT NULL,
  agent_id TEXT,
  user_id TEXT,
  content TEXT NOT NULL,
  content_text TEXT NOT NULL DEFAULT '',
  embedding BLOB,
  is_unique INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope_table, room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id);

CREATE TABLE IF NOT EXISTS knowledge (
  id TEXT PRIMARY KEY,
  agent_id TEXT,
  content TEXT NOT NULL,
  embedding BLOB,
  is_main INTEGER NOT NULL DEFAULT 0,
  original_id TEXT,
  chunk_index INTEGER,
  is_shared INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_knowledge_agent ON knowledge(agent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_knowledge_chunk ON knowledge(original_id, chunk_index)
  WHERE original_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS embedding_cache (
  text_hash TEXT PRIMARY KEY,
  text TEXT NOT NULL,
  embedding BLOB NOT NULL,
  dimension INTEGER NOT NULL,
  owner_record_id TEXT,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_cache_records (
  record_id TEXT PRIMARY KEY,
  text_hash TEXT NOT NULL,
  FOREIGN KEY (text_hash) REFERENCES embedding_cache(text_hash) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS cache (
  key TEXT NOT NULL,
  agent_id TEXT NOT NULL,
  value TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY (key, agent_id)
);
`

// InitSchema creates the tables when they are missing. It is a no-op when
// every table exists and the memories and knowledge tables have BLOB
// embedding columns, and reports whether any DDL ran.
func (db *DB) InitSchema(ctx context.Context) (bool, error) {
	ok, err := db.schemaValid(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return false, goerr.Wrap(err, "create tables")
	}

	ok, err = db.schemaValid(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, goerr.Wrap(models.ErrValidation, "existing tables have a non-BLOB embedding column")
	}
	return true, nil
}

var auxTables = []string{"schema_meta", "embedding_cache", "embedding_cache_records", "cache"}

func (db *DB) schemaValid(ctx context.Context) (bool, error) {
	for _, table := range auxTables {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil {
			return false, goerr.Wrap(err, "inspect schema", goerr.V("table", table))
		}
		if n == 0 {
			return false, nil
		}
	}
	for _, table := range []string{"memories", "knowledge"} {
		typ, err := columnType(ctx, db.DB, table, "embedding")
		if err != nil {
			return false, goerr.Wrap(err, "inspect schema", goerr.V("table", table))
		}
		if !strings.EqualFold(typ, "BLOB") {
			return false, nil
		}
	}
	return true, nil
}

// checkDimension records the embedding width on first open and rejects a
// different width afterwards.
func (db *DB) checkDimension(ctx context.Context) error {
	var stored string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM schema_meta WHERE key = 'embedding_dimension'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('embedding_dimension', ?)`,
			strconv.Itoa(db.dim)); err != nil {
			return goerr.Wrap(err, "record embedding dimension")
		}
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "read embedding dimension")
	}

	n, err := strconv.Atoi(stored)
	if err != nil {
		return goerr.Wrap(err, "parse embedding dimension", goerr.V("value", stored))
	}
	if n != db.dim {
		return goerr.Wrap(models.ErrDimensionMismatch,
			fmt.Sprintf("different vector dimensions %d and %d", n, db.dim),
			goerr.V("schema", n), goerr.V("configured", db.dim))
	}
	return nil
}

// Stats summarizes row counts for the ops surface.
type Stats struct {
	Memories       map[string]int `json:"memories"`
	Knowledge      int            `json:"knowledge"`
	EmbeddingCache int            `json:"embeddingCache"`
	ResultCache    int            `json:"resultCache"`
	EmbeddingDim   int            `json:"embeddingDimension"`
}

func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	s := &Stats{Memories: map[string]int{}, EmbeddingDim: db.dim}

	rows, err := db.QueryContext(ctx, `SELECT scope_table, COUNT(*) FROM memories GROUP BY scope_table`)
	if err != nil {
		return nil, goerr.Wrap(err, "count memories")
	}
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			rows.Close()
			return nil, goerr.Wrap(err, "scan memory count")
		}
		s.Memories[table] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "count memories")
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM knowledge`, &s.Knowledge},
		{`SELECT COUNT(*) FROM embedding_cache`, &s.EmbeddingCache},
		{`SELECT COUNT(*) FROM cache`, &s.ResultCache},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, goerr.Wrap(err, "count rows", goerr.V("query", c.query))
		}
	}
	return s, nil
}

// columnType returns the declared type of a column, or "" when the table
// or column does not exist.
func columnType(ctx context.Context, db *sql.DB, table, column string) (string, error) {
	var typ string
	err := db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT type FROM pragma_table_info('%s') WHERE name = ?", table),
		column,
	).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return typ, err
}

// isConstraintViolation reports whether err is a SQLite UNIQUE or PRIMARY
// KEY violation.
func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
