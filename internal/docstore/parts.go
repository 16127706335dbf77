package docstore

import (
	"fmt"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// ReplaceParts atomically replaces a document's parts as a set and
// updates the document's part_count.
func (db *DB) ReplaceParts(docID string, parts []types.Part) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM parts WHERE doc_id = ?`, docID); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "clear parts")
	}
	stmt, err := tx.Prepare(`INSERT INTO parts (doc_id, part_num, summary, tags, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "prepare part insert")
	}
	defer stmt.Close()
	for _, p := range parts {
		tagsJSON, err := marshalTags(p.Tags)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "encode part tags")
		}
		if _, err := stmt.Exec(docID, p.PartNum, p.Summary, tagsJSON, p.Content, types.FormatTime(p.CreatedAt)); err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, err, "insert part")
		}
	}
	if _, err := tx.Exec(`UPDATE documents SET part_count = ? WHERE id = ?`, len(parts), docID); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "update part count")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	return nil
}

// TagPart applies a tag-map update (empty value = delete) to a single
// part and returns the updated part.
func (db *DB) TagPart(docID string, partNum int, tagUpdates types.Tags) (*types.Part, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT doc_id, part_num, summary, tags, content, created_at FROM parts WHERE doc_id = ? AND part_num = ?`, docID, partNum)
	p, err := scanPart(row)
	if err != nil {
		return nil, apperr.NotFound("part %d of %q not found", partNum, docID)
	}
	merged := p.Tags.Merge(tagUpdates)
	tagsJSON, err := marshalTags(merged)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "encode part tags")
	}
	if _, err := tx.Exec(`UPDATE parts SET tags = ? WHERE doc_id = ? AND part_num = ?`, tagsJSON, docID, partNum); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "update part tags")
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "commit")
	}
	p.Tags = merged
	return p, nil
}

// GetPart fetches a single part of a document.
func (db *DB) GetPart(docID string, partNum int) (*types.Part, error) {
	row := db.conn.QueryRow(`SELECT doc_id, part_num, summary, tags, content, created_at FROM parts WHERE doc_id = ? AND part_num = ?`, docID, partNum)
	p, err := scanPart(row)
	if err != nil {
		return nil, apperr.NotFound("part %d of %q not found", partNum, docID)
	}
	return p, nil
}

// ListParts returns all parts of a document, ordered by part_num.
func (db *DB) ListParts(docID string) ([]types.Part, error) {
	rows, err := db.conn.Query(`SELECT doc_id, part_num, summary, tags, content, created_at FROM parts WHERE doc_id = ? ORDER BY part_num ASC`, docID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "list parts")
	}
	defer rows.Close()
	var out []types.Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageFailure, err, "scan part")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPart(row interface{ Scan(...any) error }) (*types.Part, error) {
	var (
		p        types.Part
		tagsJSON string
		created  string
	)
	if err := row.Scan(&p.DocID, &p.PartNum, &p.Summary, &tagsJSON, &p.Content, &created); err != nil {
		return nil, fmt.Errorf("scan part: %w", err)
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	p.Tags = tags
	if p.CreatedAt, err = types.ParseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}
