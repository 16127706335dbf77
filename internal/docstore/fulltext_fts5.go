//go:build sqlite_fts5

package docstore

import (
	"database/sql"
	"fmt"
)

func initFulltext(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			doc_id UNINDEXED,
			summary,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func fulltextUpsert(tx *sql.Tx, docID, summary string) error {
	_, _ = tx.Exec(`DELETE FROM summaries_fts WHERE doc_id = ?`, docID)
	_, err := tx.Exec(`INSERT INTO summaries_fts (doc_id, summary) VALUES (?, ?)`, docID, summary)
	if err != nil {
		return fmt.Errorf("docstore: upsert fulltext: %w", err)
	}
	return nil
}

func fulltextDelete(tx *sql.Tx, docID string) {
	_, _ = tx.Exec(`DELETE FROM summaries_fts WHERE doc_id = ?`, docID)
}

// Fulltext performs an FTS5 token search over document summaries, ranked by
// the built-in bm25 rank (recency decay is applied by the caller).
func (db *DB) Fulltext(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT doc_id FROM summaries_fts WHERE summaries_fts MATCH ? ORDER BY rank LIMIT ?
	`, query, limit)
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
