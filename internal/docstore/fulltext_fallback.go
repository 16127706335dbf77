//go:build !sqlite_fts5

package docstore

import (
	"database/sql"
	"fmt"
)

func initFulltext(_ *sql.DB) error {
	// FTS5 not available; full-text search uses a LIKE substring scan.
	return nil
}

func fulltextUpsert(_ *sql.Tx, _, _ string) error { return nil }

func fulltextDelete(_ *sql.Tx, _ string) {}

// Fulltext performs a LIKE-based substring search over document summaries
// (fallback when FTS5 is not compiled in).
func (db *DB) Fulltext(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT id FROM documents WHERE summary LIKE ? LIMIT ?
	`, like, limit)
	if err != nil {
		return nil, fmt.Errorf("docstore: fulltext: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
