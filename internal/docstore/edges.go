package docstore

import (
	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// InverseEdges returns all source document ids with an edge (src, key,
// targetID) — the documents satisfying "tags[key] == targetID".
func (db *DB) InverseEdges(targetID, key string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT src_id FROM edges WHERE target_id = ? AND key = ?`, targetID, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "inverse edges")
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

// OutboundEdges returns every (key, targetID) pair declared by srcID,
// used by deep-find's one-hop edge traversal.
func (db *DB) OutboundEdges(srcID string) ([]types.Edge, error) {
	rows, err := db.conn.Query(`SELECT src_id, key, target_id FROM edges WHERE src_id = ?`, srcID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "outbound edges")
	}
	defer rows.Close()
	var out []types.Edge
	for rows.Next() {
		var e types.Edge
		if err := rows.Scan(&e.SourceID, &e.Key, &e.TargetID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
