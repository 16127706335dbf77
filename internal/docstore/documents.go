package docstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

func marshalTags(tags types.Tags) (string, error) {
	if tags == nil {
		tags = types.Tags{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
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

// EdgeKeys maps a tag key to its declared inverse verb, for tag keys the
// caller has marked as edge keys (via `.tag/K`'s `_inverse`). Passed into
// the write methods so edge rows are updated in the same transaction as
// the tag write.
type EdgeKeys map[string]string

// EdgeDelta reports the edges added/removed by a tag write, so the caller
// can auto-vivify newly-referenced targets.
type EdgeDelta struct {
	Added   []types.Edge
	Removed []types.Edge
}

func diffEdges(docID string, oldTags, newTags types.Tags, edgeKeys EdgeKeys) EdgeDelta {
	var delta EdgeDelta
	if types.IsSystemID(docID) {
		// System docs never declare edges, and a tag value pointing at a
		// system doc never becomes one either (checked per value below).
		return delta
	}
	for key := range edgeKeys {
		oldVal, hadOld := oldTags[key]
		newVal, hasNew := newTags[key]
		if hadOld && oldVal != "" && !types.IsSystemID(oldVal) && oldVal != newVal {
			delta.Removed = append(delta.Removed, types.Edge{SourceID: docID, Key: key, TargetID: oldVal})
		}
		if hasNew && newVal != "" && !types.IsSystemID(newVal) && newVal != oldVal {
			delta.Added = append(delta.Added, types.Edge{SourceID: docID, Key: key, TargetID: newVal})
		}
	}
	return delta
}

func applyEdgeDelta(tx *sql.Tx, delta EdgeDelta) error {
	for _, e := range delta.Removed {
		if _, err := tx.Exec(`DELETE FROM edges WHERE src_id = ? AND key = ? AND target_id = ?`, e.SourceID, e.Key, e.TargetID); err != nil {
			return fmt.Errorf("docstore: delete edge: %w", err)
		}
	}
	for _, e := range delta.Added {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO edges (src_id, key, target_id) VALUES (?, ?, ?)`, e.SourceID, e.Key, e.TargetID); err != nil {
			return fmt.Errorf("docstore: insert edge: %w", err)
		}
	}
	return nil
}

func reindexTags(tx *sql.Tx, docID string, tags types.Tags) error {
	if _, err := tx.Exec(`DELETE FROM tag_index WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("docstore: clear tag index: %w", err)
	}
	if len(tags) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO tag_index (doc_id, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("docstore: prepare tag index insert: %w", err)
	}
	defer stmt.Close()
	for k, v := range tags {
		if _, err := stmt.Exec(docID, k, v); err != nil {
			return fmt.Errorf("docstore: insert tag index row: %w", err)
		}
	}
	return nil
}

func scanDocument(row interface{ Scan(...any) error }) (*types.Document, error) {
	var (
		doc              types.Document
		tagsJSON         string
		created, updated, accessed string
	)
	if err := row.Scan(&doc.ID, &doc.Summary, &tagsJSON, &doc.ContentHash, &created, &updated, &accessed, &doc.PartCount); err != nil {
		return nil, err
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, fmt.Errorf("docstore: decode tags: %w", err)
	}
	doc.Tags = tags
	if doc.CreatedAt, err = types.ParseTime(created); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = types.ParseTime(updated); err != nil {
		return nil, err
	}
	if doc.AccessedAt, err = types.ParseTime(accessed); err != nil {
		return nil, err
	}
	return &doc, nil
}

const documentColumns = `id, summary, tags, content_hash, created_at, updated_at, accessed_at, part_count`

// GetDocument fetches a document by id, returning apperr.ErrNotFound (via
// Kind) if it does not exist.
func (db *DB) GetDocument(id string) (*types.Document, error) {
	row := db.conn.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document %q not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "get document %q", id)
	}
	return doc, nil
}

// FindByContentHash returns the id of a document (other than excludeID)
// whose content_hash equals hash, used by Put's dedup probe.
func (db *DB) FindByContentHash(hash, excludeID string) (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM documents WHERE content_hash = ? AND id != ? LIMIT 1`, hash, excludeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageFailure, err, "find by content hash")
	}
	return id, nil
}

// CreateDocument inserts a brand-new document row.
func (db *DB) CreateDocument(doc types.Document, edgeKeys EdgeKeys) (EdgeDelta, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	tagsJSON, err := marshalTags(doc.Tags)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "encode tags")
	}
	_, err = tx.Exec(`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Summary, tagsJSON, doc.ContentHash,
		types.FormatTime(doc.CreatedAt), types.FormatTime(doc.UpdatedAt), types.FormatTime(doc.AccessedAt), doc.PartCount)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "insert document")
	}
	if err := reindexTags(tx, doc.ID, doc.Tags); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "reindex tags")
	}
	if err := fulltextUpsert(tx, doc.ID, doc.Summary); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "fulltext upsert")
	}
	delta := diffEdges(doc.ID, types.Tags{}, doc.Tags, edgeKeys)
	if err := applyEdgeDelta(tx, delta); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	if err := tx.Commit(); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return delta, nil
}

// ArchiveAndUpdate performs a versioned update: the
// existing current row is copied into versions at the next ordinal, then
// the row is updated in place to the new state. Both happen in a single
// transaction.
func (db *DB) ArchiveAndUpdate(newDoc types.Document, edgeKeys EdgeKeys) (EdgeDelta, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, newDoc.ID)
	oldDoc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EdgeDelta{}, apperr.NotFound("document %q not found", newDoc.ID)
	}
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "load current document")
	}

	var nextOrdinal int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version_ordinal), 0) FROM versions WHERE doc_id = ?`, newDoc.ID).Scan(&nextOrdinal); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "max ordinal")
	}
	nextOrdinal++

	oldTagsJSON, err := marshalTags(oldDoc.Tags)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "encode old tags")
	}
	_, err = tx.Exec(`INSERT INTO versions (doc_id, version_ordinal, summary, tags, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newDoc.ID, nextOrdinal, oldDoc.Summary, oldTagsJSON, oldDoc.ContentHash, types.FormatTime(oldDoc.UpdatedAt))
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "archive version")
	}

	newTagsJSON, err := marshalTags(newDoc.Tags)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "encode new tags")
	}
	_, err = tx.Exec(`UPDATE documents SET summary = ?, tags = ?, content_hash = ?, updated_at = ?, accessed_at = ?, part_count = ? WHERE id = ?`,
		newDoc.Summary, newTagsJSON, newDoc.ContentHash, types.FormatTime(newDoc.UpdatedAt), types.FormatTime(newDoc.AccessedAt), newDoc.PartCount, newDoc.ID)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "update document")
	}
	if err := reindexTags(tx, newDoc.ID, newDoc.Tags); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "reindex tags")
	}
	if err := fulltextUpsert(tx, newDoc.ID, newDoc.Summary); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "fulltext upsert")
	}
	delta := diffEdges(newDoc.ID, oldDoc.Tags, newDoc.Tags, edgeKeys)
	if err := applyEdgeDelta(tx, delta); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	if err := tx.Commit(); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return delta, nil
}

// UpdateTagsOnly performs a tag-only update: no archival,
// just an in-place tag/timestamp update.
func (db *DB) UpdateTagsOnly(docID string, newTags types.Tags, updatedAt, accessedAt time.Time, edgeKeys EdgeKeys) (EdgeDelta, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, docID)
	oldDoc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EdgeDelta{}, apperr.NotFound("document %q not found", docID)
	}
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "load current document")
	}

	newTagsJSON, err := marshalTags(newTags)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "encode new tags")
	}
	_, err = tx.Exec(`UPDATE documents SET tags = ?, updated_at = ?, accessed_at = ? WHERE id = ?`,
		newTagsJSON, types.FormatTime(updatedAt), types.FormatTime(accessedAt), docID)
	if err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "update document tags")
	}
	if err := reindexTags(tx, docID, newTags); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "reindex tags")
	}
	delta := diffEdges(docID, oldDoc.Tags, newTags, edgeKeys)
	if err := applyEdgeDelta(tx, delta); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	if err := tx.Commit(); err != nil {
		return EdgeDelta{}, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return delta, nil
}

// RecomputeEdges re-derives a document's outbound edges from its current
// tags against edgeKeys, as if every edge-key tag it carries had just been
// set. Used by the backfill-edges task: a document auto-vivified as an
// edge target has no tags (and so declares no edges of its own) at
// vivification time; once it is written for real, any edge-key tags it
// now carries need their edge rows created, which a tag-only or versioned
// update already does for a *known* prior state but this document's prior
// state (as far as edges go) was never recorded.
func (db *DB) RecomputeEdges(docID string, edgeKeys EdgeKeys) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, docID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("document %q not found", docID)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "load document")
	}

	delta := diffEdges(docID, types.Tags{}, doc.Tags, edgeKeys)
	if err := applyEdgeDelta(tx, delta); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "apply edge delta")
	}
	return tx.Commit()
}

// UpdateSummary replaces a document's summary in place, without archiving
// a version or touching its tags. Used by the async summarize task, whose
// job is to refine the truncated placeholder summary Put wrote inline,
// not to record a new content state.
func (db *DB) UpdateSummary(docID, summary string, updatedAt time.Time) error {
	res, err := db.conn.Exec(`UPDATE documents SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, types.FormatTime(updatedAt), docID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "update document summary")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound("document %q not found", docID)
	}
	return nil
}
