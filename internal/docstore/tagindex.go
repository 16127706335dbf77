package docstore

import (
	"strings"
	"time"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// QueryOptions narrows a tag-indexed document scan.
type QueryOptions struct {
	TagFilter     types.Tags // AND of equalities; empty value = key-exists
	Since, Until  *time.Time
	IncludeSystem bool // system docs (id starting with ".") excluded by default
	Limit         int
}

// QueryDocuments returns document ids matching the filter, newest-updated
// first. Used by find's tag pre-filter path and by list.
func (db *DB) QueryDocuments(opts QueryOptions) ([]string, error) {
	var conds []string
	var args []any

	if !opts.IncludeSystem {
		conds = append(conds, `id NOT LIKE '.%'`)
	}
	if opts.Since != nil {
		conds = append(conds, `updated_at >= ?`)
		args = append(args, types.FormatTime(*opts.Since))
	}
	if opts.Until != nil {
		conds = append(conds, `updated_at <= ?`)
		args = append(args, types.FormatTime(*opts.Until))
	}
	for key, val := range opts.TagFilter {
		if val == "" {
			conds = append(conds, `id IN (SELECT doc_id FROM tag_index WHERE key = ?)`)
			args = append(args, key)
		} else {
			conds = append(conds, `id IN (SELECT doc_id FROM tag_index WHERE key = ? AND value = ?)`)
			args = append(args, key, val)
		}
	}

	query := `SELECT id FROM documents`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY updated_at DESC`
	limit := opts.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "query documents")
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

// ListTagChildren returns ids of system docs that are children of a
// `.tag/K` vocabulary document, i.e. ids of the form ".tag/K/*" — used to
// enumerate a constrained tag's valid values.
func (db *DB) ListTagChildren(tagDocID string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT id FROM documents WHERE id LIKE ? ESCAPE '\'`, escapeLike(tagDocID)+`/%`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "list tag children")
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

// ListByIDPrefix returns every document whose id has the given prefix,
// used by MetaResolver to enumerate `.meta/*` and `.prompt/{kind}/*` docs.
func (db *DB) ListByIDPrefix(prefix string) ([]types.Document, error) {
	rows, err := db.conn.Query(`SELECT `+documentColumns+` FROM documents WHERE id LIKE ? ESCAPE '\' ORDER BY id ASC`, escapeLike(prefix)+`%`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageFailure, err, "list by prefix")
	}
	defer rows.Close()
	var out []types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
