package keeper

import (
	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// GetVersion fetches a document's state at the given offset back from current.
func (k *Keeper) GetVersion(id string, offset int) (*types.Version, error) {
	return k.docs.GetVersion(id, offset)
}

// ListVersions returns a document's archived versions, newest-archived-first.
func (k *Keeper) ListVersions(id string) ([]types.Version, error) {
	return k.docs.ListVersions(id)
}

// Delete removes a document, its parts, and optionally its versions.
// Part ids cannot be deleted directly — re-run analyze or delete the
// parent.
func (k *Keeper) Delete(id string, deleteVersions bool) error {
	if types.IsPartID(id) {
		return apperr.InvalidInput("delete: %q is a part id; delete the parent document or re-run analyze", id)
	}
	// Snapshot version ordinals and part numbers before the row delete
	// removes them; their vector entries are keyed off these.
	var versions []types.Version
	if deleteVersions {
		versions, _ = k.docs.ListVersions(id)
	}
	parts, _ := k.docs.ListParts(id)

	if err := k.docs.DeleteDocument(id, deleteVersions); err != nil {
		return err
	}
	if err := k.vectors.Delete(id); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		k.log.Warn("vector delete failed", "id", id, "err", err)
	}
	for _, v := range versions {
		_ = k.vectors.Delete(types.VersionEmbeddingKey(id, v.VersionOrdinal))
	}
	for _, p := range parts {
		_ = k.vectors.Delete(types.PartEmbeddingKey(id, p.PartNum))
	}
	k.afterSystemDocWrite(id)
	return nil
}

// Revert undoes the most recent update: promote the newest archived version
// back to current, replace the current embedding with the archived one,
// drop the versioned vector entry, and clean up parts (they reflect the
// content that is being reverted away from). A document with no archived
// versions has no prior state to fall back to, so revert deletes it
// outright and returns nil.
func (k *Keeper) Revert(id string) (*types.Document, error) {
	if _, err := k.docs.GetDocument(id); err != nil {
		return nil, err
	}
	versions, err := k.docs.ListVersions(id)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		if err := k.Delete(id, true); err != nil {
			return nil, err
		}
		return nil, nil
	}
	latestOrdinal := versions[0].VersionOrdinal

	doc, err := k.docs.RevertDocument(id, k.edgeKeyMap())
	if err != nil {
		return nil, err
	}

	archivedKey := types.VersionEmbeddingKey(id, latestOrdinal)
	if rec, err := k.vectors.Get(archivedKey); err == nil {
		if err := k.vectors.Upsert(vectorstoreRecord(id, rec.Vector, rec.Summary, doc.Tags, doc.CreatedAt, doc.UpdatedAt)); err != nil {
			k.log.Warn("revert vector promote failed", "id", id, "err", err)
		}
		_ = k.vectors.Delete(archivedKey)
	}

	parts, _ := k.docs.ListParts(id)
	for _, p := range parts {
		_ = k.vectors.Delete(types.PartEmbeddingKey(id, p.PartNum))
	}
	_ = k.docs.ReplaceParts(id, nil)

	return doc, nil
}
