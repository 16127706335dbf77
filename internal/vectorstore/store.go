// Package vectorstore persists embeddings keyed by entity id and answers
// cosine-similarity queries with an AND-of-equalities tag pre-filter and a
// time window, applied before the nearest-neighbor scan.
package vectorstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS vectors (
	key        TEXT PRIMARY KEY,
	embedding  TEXT NOT NULL,
	dim        INTEGER NOT NULL,
	summary    TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vectors_updated ON vectors(updated_at);

CREATE TABLE IF NOT EXISTS collection_state (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	dimension        INTEGER NOT NULL DEFAULT 0,
	provider_name    TEXT NOT NULL DEFAULT '',
	provider_model   TEXT NOT NULL DEFAULT '',
	reindexing       INTEGER NOT NULL DEFAULT 0
);
`

// Record is a stored embedding plus the metadata carried alongside it so a
// vector search can return results without a DocStore join.
type Record struct {
	Key       string
	Vector    []float32
	Summary   string
	Tags      types.Tags
	CreatedAt string
	UpdatedAt string
}

// cacheEntry mirrors a Record in the in-memory scan cache.
type cacheEntry struct {
	key     string
	vector  []float32
	summary string
	tags    types.Tags
	updated string
}

// Store is a SQLite-backed vector index with an in-memory cache for fast
// cosine scanning, the same shape as a chunk-embedding store but keyed on
// arbitrary document/version/part ids instead of file chunks.
type Store struct {
	conn *sql.DB

	cacheMu sync.RWMutex
	cache   []cacheEntry
}

// Open opens (or creates) the vector database and loads the scan cache.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: apply schema: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO collection_state (id) VALUES (1)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: seed collection state: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.refreshCache(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vectorstore: load cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) refreshCache() error {
	rows, err := s.conn.Query(`SELECT key, embedding, summary, tags, updated_at FROM vectors`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var cache []cacheEntry
	for rows.Next() {
		var e cacheEntry
		var embJSON, tagsJSON string
		if err := rows.Scan(&e.key, &embJSON, &e.summary, &tagsJSON, &e.updated); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(embJSON), &e.vector); err != nil {
			continue
		}
		tags, err := unmarshalTags(tagsJSON)
		if err != nil {
			continue
		}
		e.tags = tags
		cache = append(cache, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.cacheMu.Lock()
	s.cache = cache
	s.cacheMu.Unlock()
	return nil
}

func unmarshalTags(s string) (types.Tags, error) {
	tags := types.Tags{}
	if s == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// Dimension returns the collection's pinned vector dimension, or 0 if no
// vector has been upserted yet.
func (s *Store) Dimension() (int, error) {
	var dim int
	err := s.conn.QueryRow(`SELECT dimension FROM collection_state WHERE id = 1`).Scan(&dim)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageFailure, err, "read dimension")
	}
	return dim, nil
}

// Upsert stores or replaces the vector and metadata at key. A vector whose
// length disagrees with the collection's pinned dimension is refused with
// DimensionMismatch, which is fatal at this layer — the caller
// is expected to trigger a reindex transition.
func (s *Store) Upsert(rec Record) error {
	dim, err := s.Dimension()
	if err != nil {
		return err
	}
	if dim != 0 && len(rec.Vector) != dim {
		return apperr.DimensionMismatch("vector has dimension %d, collection pinned at %d", len(rec.Vector), dim)
	}

	embJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "encode vector")
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO vectors (key, embedding, dim, summary, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			embedding = excluded.embedding, dim = excluded.dim, summary = excluded.summary,
			tags = excluded.tags, updated_at = excluded.updated_at
	`, rec.Key, string(embJSON), len(rec.Vector), rec.Summary, string(tagsJSON), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "upsert vector")
	}
	if dim == 0 && len(rec.Vector) != 0 {
		if _, err := tx.Exec(`UPDATE collection_state SET dimension = ? WHERE id = 1`, len(rec.Vector)); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "pin dimension")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return s.refreshCache()
}

// UpdateTags rewrites the tags and updated_at of an existing vector
// record without touching its embedding, used by the write protocol's
// tag-only-update path.
func (s *Store) UpdateTags(key string, tags types.Tags, updatedAt string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}
	res, err := s.conn.Exec(`UPDATE vectors SET tags = ?, updated_at = ? WHERE key = ?`, string(tagsJSON), updatedAt, key)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "update vector tags")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("vector %q not found", key)
	}
	return s.refreshCache()
}

// Delete removes the vector at key, if any.
func (s *Store) Delete(key string) error {
	if _, err := s.conn.Exec(`DELETE FROM vectors WHERE key = ?`, key); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "delete vector")
	}
	return s.refreshCache()
}

// Get fetches a single record by key.
func (s *Store) Get(key string) (*Record, error) {
	var (
		rec               Record
		embJSON, tagsJSON string
	)
	rec.Key = key
	err := s.conn.QueryRow(`SELECT embedding, summary, tags, created_at, updated_at FROM vectors WHERE key = ?`, key).
		Scan(&embJSON, &rec.Summary, &tagsJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, apperr.NotFound("vector %q not found", key)
	}
	if err := json.Unmarshal([]byte(embJSON), &rec.Vector); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "decode vector")
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "decode tags")
	}
	rec.Tags = tags
	return &rec, nil
}

// SetReindexing marks the collection as mid-reindex or clears the flag.
func (s *Store) SetReindexing(on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := s.conn.Exec(`UPDATE collection_state SET reindexing = ? WHERE id = 1`, v)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "set reindexing")
	}
	return nil
}

// Reindexing reports whether the collection is currently mid-reindex.
func (s *Store) Reindexing() (bool, error) {
	var v int
	if err := s.conn.QueryRow(`SELECT reindexing FROM collection_state WHERE id = 1`).Scan(&v); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, err, "read reindexing")
	}
	return v != 0, nil
}

// ResetDimension clears the pinned dimension, allowing the next Upsert to
// re-pin it at the new provider's size (used when a reembed sweep starts).
func (s *Store) ResetDimension() error {
	_, err := s.conn.Exec(`UPDATE collection_state SET dimension = 0 WHERE id = 1`)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "reset dimension")
	}
	return nil
}

// Identity returns the provider identity (name, model) recorded at last
// write, used by ProviderRouter to detect a provider swap.
func (s *Store) Identity() (name, model string, err error) {
	err = s.conn.QueryRow(`SELECT provider_name, provider_model FROM collection_state WHERE id = 1`).Scan(&name, &model)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindStorageFailure, err, "read identity")
	}
	return name, model, nil
}

// SetIdentity records the active provider identity.
func (s *Store) SetIdentity(name, model string) error {
	_, err := s.conn.Exec(`UPDATE collection_state SET provider_name = ?, provider_model = ? WHERE id = 1`, name, model)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "set identity")
	}
	return nil
}
