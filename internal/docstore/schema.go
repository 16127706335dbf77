// Package docstore is the transactional SQLite-backed store of documents,
// versions, parts, tags, and edges the engine persists.
package docstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	summary      TEXT NOT NULL DEFAULT '',
	tags         TEXT NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	accessed_at  TEXT NOT NULL,
	part_count   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS versions (
	doc_id          TEXT NOT NULL,
	version_ordinal INTEGER NOT NULL,
	summary         TEXT NOT NULL DEFAULT '',
	tags            TEXT NOT NULL DEFAULT '{}',
	content_hash    TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	PRIMARY KEY (doc_id, version_ordinal)
);

CREATE TABLE IF NOT EXISTS parts (
	doc_id     TEXT NOT NULL,
	part_num   INTEGER NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '{}',
	content    TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (doc_id, part_num)
);

CREATE TABLE IF NOT EXISTS tag_index (
	doc_id TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tag_index_key ON tag_index(key);
CREATE INDEX IF NOT EXISTS idx_tag_index_key_value ON tag_index(key, value);
CREATE INDEX IF NOT EXISTS idx_tag_index_doc ON tag_index(doc_id);

CREATE TABLE IF NOT EXISTS edges (
	src_id    TEXT NOT NULL,
	key       TEXT NOT NULL,
	target_id TEXT NOT NULL,
	UNIQUE(src_id, key, target_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id, key);
CREATE INDEX IF NOT EXISTS idx_edges_src ON edges(src_id);
`

// DB wraps a sql.DB with docstore-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema, in
// WAL mode with a busy-timeout so concurrent foreground/background access
// does not deadlock under cross-process contention.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("docstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: apply core schema: %w", err)
	}
	if err := initFulltext(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("docstore: apply fulltext schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
