package keeper

import (
	"context"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/types"
)

const exportFormat = "keep-export"
const exportFormatVersion = 1

// ExportHeader is the first record an export stream emits.
type ExportHeader struct {
	Format     string          `json:"format"`
	Version    int             `json:"version"`
	ExportedAt string          `json:"exported_at"`
	StoreInfo  ExportStoreInfo `json:"store_info"`
}

// ExportStoreInfo is a best-effort snapshot of store size at export time.
type ExportStoreInfo struct {
	DocumentCount int `json:"document_count"`
	VersionCount  int `json:"version_count"`
	PartCount     int `json:"part_count"`
}

// ExportVersion is one archived version inlined within an ExportRecord.
type ExportVersion struct {
	VersionOrdinal int        `json:"version"`
	Summary        string     `json:"summary"`
	Tags           types.Tags `json:"tags"`
	ContentHash    string     `json:"content_hash"`
	CreatedAt      string     `json:"created_at"`
}

// ExportPart is one structural part inlined within an ExportRecord.
type ExportPart struct {
	PartNum   int        `json:"part_num"`
	Summary   string     `json:"summary"`
	Tags      types.Tags `json:"tags"`
	Content   string     `json:"content"`
	CreatedAt string     `json:"created_at"`
}

// ExportRecord is one self-contained document record — its versions and
// parts are inlined rather than yielded separately.
// Embeddings are never exported; they are recomputed on import.
type ExportRecord struct {
	ID          string          `json:"id"`
	Summary     string          `json:"summary"`
	Tags        types.Tags      `json:"tags"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	AccessedAt  string          `json:"accessed_at"`
	Versions    []ExportVersion `json:"versions,omitempty"`
	Parts       []ExportPart    `json:"parts,omitempty"`
}

// ExportIter streams the store as self-contained records: it calls emit
// once with the header and once per document, in order, so a caller (e.g. a REST
// handler writing a newline-delimited response) can stream arbitrarily
// large stores without buffering them in memory. exportedAt is supplied
// by the caller since the engine does not read the wall clock mid-call.
func (k *Keeper) ExportIter(includeSystem bool, exportedAt string, emit func(any) error) error {
	ids, err := k.docs.QueryDocuments(docstore.QueryOptions{IncludeSystem: includeSystem, Limit: 1 << 20})
	if err != nil {
		return err
	}

	info := ExportStoreInfo{DocumentCount: len(ids)}
	for _, id := range ids {
		versions, _ := k.docs.ListVersions(id)
		info.VersionCount += len(versions)
		parts, _ := k.docs.ListParts(id)
		info.PartCount += len(parts)
	}
	if err := emit(ExportHeader{Format: exportFormat, Version: exportFormatVersion, ExportedAt: exportedAt, StoreInfo: info}); err != nil {
		return err
	}

	for _, id := range ids {
		doc, err := k.docs.GetDocument(id)
		if err != nil {
			continue
		}
		rec := ExportRecord{
			ID: doc.ID, Summary: doc.Summary, Tags: doc.Tags, ContentHash: doc.ContentHash,
			CreatedAt: types.FormatTime(doc.CreatedAt), UpdatedAt: types.FormatTime(doc.UpdatedAt),
			AccessedAt: types.FormatTime(doc.AccessedAt),
		}
		if versions, err := k.docs.ListVersions(id); err == nil {
			for _, v := range versions {
				rec.Versions = append(rec.Versions, ExportVersion{
					VersionOrdinal: v.VersionOrdinal, Summary: v.Summary, Tags: v.Tags,
					ContentHash: v.ContentHash, CreatedAt: types.FormatTime(v.CreatedAt),
				})
			}
		}
		if parts, err := k.docs.ListParts(id); err == nil {
			for _, p := range parts {
				rec.Parts = append(rec.Parts, ExportPart{
					PartNum: p.PartNum, Summary: p.Summary, Tags: p.Tags,
					Content: p.Content, CreatedAt: types.FormatTime(p.CreatedAt),
				})
			}
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

// ImportMode selects how ImportData treats ids that already exist.
type ImportMode string

const (
	ImportMerge   ImportMode = "merge"   // skip ids that already exist
	ImportReplace ImportMode = "replace" // clear the store first
)

// ImportStats reports what ImportData did.
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Versions int `json:"versions"`
	Parts    int `json:"parts"`
	Queued   int `json:"queued"`
}

// ImportData loads exported records into the store: documents, their inlined
// versions and parts, are written directly (bypassing the write protocol —
// no re-summarize, no inline embed); re-embedding every imported document
// is queued for the background worker instead (idempotent re-run: a
// second import(mode=merge) of the same export is a no-op).
func (k *Keeper) ImportData(ctx context.Context, header ExportHeader, records []ExportRecord, mode ImportMode) (ImportStats, error) {
	if header.Format != exportFormat {
		return ImportStats{}, apperr.InvalidInput("import_data: unrecognized format %q (expected %q)", header.Format, exportFormat)
	}
	if header.Version > exportFormatVersion {
		return ImportStats{}, apperr.InvalidInput("import_data: export format version %d is not supported (this build supports up to %d)", header.Version, exportFormatVersion)
	}
	if mode != ImportMerge && mode != ImportReplace {
		return ImportStats{}, apperr.InvalidInput("import_data: mode must be %q or %q", ImportMerge, ImportReplace)
	}

	if mode == ImportReplace {
		ids, err := k.docs.QueryDocuments(docstore.QueryOptions{IncludeSystem: true, Limit: 1 << 20})
		if err != nil {
			return ImportStats{}, err
		}
		for _, id := range ids {
			_ = k.Delete(id, true)
		}
	}

	existing := map[string]bool{}
	if mode == ImportMerge {
		ids, err := k.docs.QueryDocuments(docstore.QueryOptions{IncludeSystem: true, Limit: 1 << 20})
		if err != nil {
			return ImportStats{}, err
		}
		for _, id := range ids {
			existing[id] = true
		}
	}

	var stats ImportStats
	edgeKeys := k.edgeKeyMap()
	for _, rec := range records {
		if existing[rec.ID] {
			stats.Skipped++
			continue
		}

		created, err := types.ParseTime(rec.CreatedAt)
		if err != nil {
			created = types.Now()
		}
		updated, err := types.ParseTime(rec.UpdatedAt)
		if err != nil {
			updated = created
		}
		accessed, err := types.ParseTime(rec.AccessedAt)
		if err != nil {
			accessed = updated
		}
		tags := rec.Tags.Clone()
		tags[types.TagSource] = types.SourceImport

		doc := types.Document{
			ID: rec.ID, Summary: rec.Summary, Tags: tags, ContentHash: rec.ContentHash,
			CreatedAt: created, UpdatedAt: updated, AccessedAt: accessed,
		}
		if _, err := k.docs.CreateDocument(doc, edgeKeys); err != nil {
			return stats, err
		}

		for i := len(rec.Versions) - 1; i >= 0; i-- {
			v := rec.Versions[i]
			vCreated, err := types.ParseTime(v.CreatedAt)
			if err != nil {
				vCreated = created
			}
			if err := k.docs.AppendVersion(rec.ID, types.Version{
				DocID: rec.ID, Summary: v.Summary, Tags: v.Tags,
				ContentHash: v.ContentHash, CreatedAt: vCreated,
			}); err != nil {
				return stats, err
			}
			stats.Versions++
		}

		if len(rec.Parts) > 0 {
			parts := make([]types.Part, 0, len(rec.Parts))
			for _, p := range rec.Parts {
				pCreated, err := types.ParseTime(p.CreatedAt)
				if err != nil {
					pCreated = created
				}
				parts = append(parts, types.Part{
					DocID: rec.ID, PartNum: p.PartNum, Summary: p.Summary,
					Tags: p.Tags, Content: p.Content, CreatedAt: pCreated,
				})
			}
			if err := k.docs.ReplaceParts(rec.ID, parts); err != nil {
				return stats, err
			}
			stats.Parts += len(parts)
		}

		if _, err := k.queue.Enqueue(rec.ID, types.TaskReembed, nil); err != nil {
			return stats, err
		}
		stats.Imported++
		stats.Queued++
	}

	return stats, nil
}
