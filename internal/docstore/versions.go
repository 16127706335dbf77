package docstore

import (
	"database/sql"
	"errors"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// GetVersion retrieves a document's state at the given offset: 0 is the
// current row, N >= 1 is the Nth-newest archived version. Implemented as a
// single indexed lookup.
func (db *DB) GetVersion(docID string, offset int) (*types.Version, error) {
	if offset == 0 {
		doc, err := db.GetDocument(docID)
		if err != nil {
			return nil, err
		}
		return &types.Version{
			DocID: doc.ID, VersionOrdinal: 0, Summary: doc.Summary,
			Tags: doc.Tags, ContentHash: doc.ContentHash, CreatedAt: doc.UpdatedAt,
		}, nil
	}
	if offset < 0 {
		return nil, apperr.NotFound("no version at offset %d for %q", offset, docID)
	}
	// Ordinals are dense, so the Nth-newest archived version (ordinal
	// max-N+1) is row N-1 of the primary-key index walked newest-first.
	row := db.conn.QueryRow(`SELECT doc_id, version_ordinal, summary, tags, content_hash, created_at FROM versions WHERE doc_id = ? ORDER BY version_ordinal DESC LIMIT 1 OFFSET ?`, docID, offset-1)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no version at offset %d for %q", offset, docID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "get version")
	}
	return v, nil
}

func scanVersion(row interface{ Scan(...any) error }) (*types.Version, error) {
	var (
		v        types.Version
		tagsJSON string
		created  string
	)
	if err := row.Scan(&v.DocID, &v.VersionOrdinal, &v.Summary, &tagsJSON, &v.ContentHash, &created); err != nil {
		return nil, err
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	v.Tags = tags
	if v.CreatedAt, err = types.ParseTime(created); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns a document's archived versions newest-first
// (ordinal N, N-1, ..., 1).
func (db *DB) ListVersions(docID string) ([]types.Version, error) {
	rows, err := db.conn.Query(`SELECT doc_id, version_ordinal, summary, tags, content_hash, created_at FROM versions WHERE doc_id = ? ORDER BY version_ordinal DESC`, docID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "list versions")
	}
	defer rows.Close()
	var out []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, err, "scan version")
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// AppendVersion inserts v as a new archived version at the next ordinal,
// used by Move to replay extracted history onto a target document
// without going through the write protocol's hash/embedding machinery.
func (db *DB) AppendVersion(docID string, v types.Version) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var nextOrdinal int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version_ordinal), 0) FROM versions WHERE doc_id = ?`, docID).Scan(&nextOrdinal); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "max ordinal")
	}
	nextOrdinal++

	tagsJSON, err := marshalTags(v.Tags)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}
	_, err = tx.Exec(`INSERT INTO versions (doc_id, version_ordinal, summary, tags, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		docID, nextOrdinal, v.Summary, tagsJSON, v.ContentHash, types.FormatTime(v.CreatedAt))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "append version")
	}
	return tx.Commit()
}

// ReplaceCurrent overwrites a document's current row directly (insert if
// absent) without archiving the prior state — used by Move once a
// target's version history has already been replayed via AppendVersion.
func (db *DB) ReplaceCurrent(doc types.Document, edgeKeys EdgeKeys) error {
	tagsJSON, err := marshalTags(doc.Tags)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET summary = excluded.summary, tags = excluded.tags,
			content_hash = excluded.content_hash, updated_at = excluded.updated_at,
			accessed_at = excluded.accessed_at, part_count = excluded.part_count
	`, doc.ID, doc.Summary, tagsJSON, doc.ContentHash,
		types.FormatTime(doc.CreatedAt), types.FormatTime(doc.UpdatedAt), types.FormatTime(doc.AccessedAt), doc.PartCount)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "replace current")
	}
	if err := reindexTags(tx, doc.ID, doc.Tags); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "reindex tags")
	}
	if err := fulltextUpsert(tx, doc.ID, doc.Summary); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "fulltext upsert")
	}
	delta := diffEdges(doc.ID, types.Tags{}, doc.Tags, edgeKeys)
	if err := applyEdgeDelta(tx, delta); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	return tx.Commit()
}

// RemoveVersions deletes the given version ordinals of docID and
// renumbers the remaining versions densely from 1, so the version
// chain never develops gaps after a partial extraction by Move.
func (db *DB) RemoveVersions(docID string, ordinals []int) error {
	if len(ordinals) == 0 {
		return nil
	}
	remove := make(map[int]bool, len(ordinals))
	for _, o := range ordinals {
		remove[o] = true
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT doc_id, version_ordinal, summary, tags, content_hash, created_at FROM versions WHERE doc_id = ? ORDER BY version_ordinal ASC`, docID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "list versions")
	}
	var kept []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			rows.Close()
			return apperr.Wrap(apperr.KindStorageFailure, err, "scan version")
		}
		if !remove[v.VersionOrdinal] {
			kept = append(kept, *v)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "iterate versions")
	}

	if _, err := tx.Exec(`DELETE FROM versions WHERE doc_id = ?`, docID); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "clear versions")
	}
	for i, v := range kept {
		tagsJSON, err := marshalTags(v.Tags)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
		}
		_, err = tx.Exec(`INSERT INTO versions (doc_id, version_ordinal, summary, tags, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, docID, i+1, v.Summary, tagsJSON, v.ContentHash, types.FormatTime(v.CreatedAt))
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "reinsert version")
		}
	}
	return tx.Commit()
}

// DeleteDocument removes a document, optionally its archived versions, its
// parts, and its edges. If deleteVersions is false, the versions table
// rows are left in place (orphaned): they stay addressable by version
// offset, and a document later created under the same id sees them as
// its own archived versions.
func (db *DB) DeleteDocument(id string, deleteVersions bool) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "delete document")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document %q not found", id)
	}
	if deleteVersions {
		if _, err := tx.Exec(`DELETE FROM versions WHERE doc_id = ?`, id); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "delete versions")
		}
	}
	if _, err := tx.Exec(`DELETE FROM parts WHERE doc_id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "delete parts")
	}
	if _, err := tx.Exec(`DELETE FROM tag_index WHERE doc_id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "delete tag index")
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE src_id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "delete edges")
	}
	fulltextDelete(tx, id)
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return nil
}

// RevertDocument promotes the newest archived version back to current and
// drops it from the version tail. Edge rows are re-derived from the
// reverted tags in the same transaction. The caller is expected to have
// checked that archived versions exist (a no-history revert is a delete,
// not a promotion); calling without any is an error.
func (db *DB) RevertDocument(id string, edgeKeys EdgeKeys) (*types.Document, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	curRow := tx.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	oldDoc, err := scanDocument(curRow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document %q not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "load current document")
	}

	var maxOrdinal int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version_ordinal), 0) FROM versions WHERE doc_id = ?`, id).Scan(&maxOrdinal); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "max ordinal")
	}
	if maxOrdinal == 0 {
		return nil, apperr.NotFound("document %q has no archived versions", id)
	}
	row := tx.QueryRow(`SELECT doc_id, version_ordinal, summary, tags, content_hash, created_at FROM versions WHERE doc_id = ? AND version_ordinal = ?`, id, maxOrdinal)
	v, err := scanVersion(row)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "load newest version")
	}

	newTagsJSON, err := marshalTags(v.Tags)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}
	now := types.FormatTime(types.Now())
	_, err = tx.Exec(`UPDATE documents SET summary = ?, tags = ?, content_hash = ?, updated_at = ?, accessed_at = ? WHERE id = ?`,
		v.Summary, newTagsJSON, v.ContentHash, types.FormatTime(v.CreatedAt), now, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "restore document")
	}
	if _, err := tx.Exec(`DELETE FROM versions WHERE doc_id = ? AND version_ordinal = ?`, id, maxOrdinal); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "drop reverted version")
	}
	if err := reindexTags(tx, id, v.Tags); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "reindex tags")
	}
	if err := fulltextUpsert(tx, id, v.Summary); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "fulltext upsert")
	}
	if err := applyEdgeDelta(tx, diffEdges(id, oldDoc.Tags, v.Tags, edgeKeys)); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}

	return db.GetDocument(id)
}
