package keeper

import (
	"fmt"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/metaresolver"
	"github.com/starford/noesis/internal/types"
	"github.com/starford/noesis/internal/vectorstore"
)

// Get assembles a document's full display context. id may carry an "@V{n}" or
// "@P{n}" suffix, in which case a minimal frontmatter view is returned
// (step 2); otherwise the full context block (similar items, meta,
// inverse edges, version nav, parts manifest) is assembled.
func (k *Keeper) Get(id string, tagFilter types.Tags) (*types.DocumentContext, error) {
	addr := types.ParseAddress(id)

	if addr.Version != nil {
		v, err := k.docs.GetVersion(addr.BaseID, *addr.Version)
		if err != nil {
			return nil, err
		}
		view := &types.DocumentContext{
			Document: types.Document{
				ID: addr.BaseID, Summary: v.Summary, Tags: v.Tags,
				ContentHash: v.ContentHash, CreatedAt: v.CreatedAt, UpdatedAt: v.CreatedAt,
			},
			ViewingOffset: *addr.Version,
		}
		view.Next = k.buildNextNav(addr.BaseID, *addr.Version)
		return view, nil
	}
	if addr.Part != nil {
		p, err := k.docs.GetPart(addr.BaseID, *addr.Part)
		if err != nil {
			return nil, err
		}
		return &types.DocumentContext{
			Document: types.Document{
				ID: addr.BaseID, Summary: p.Summary, Tags: p.Tags, CreatedAt: p.CreatedAt,
			},
		}, nil
	}

	doc, err := k.docs.GetDocument(addr.BaseID)
	if err != nil {
		return nil, err
	}
	if len(tagFilter) > 0 && !doc.Tags.MatchesFilter(tagFilter) {
		return nil, apperr.NotFound("document %q does not match tag filter", id)
	}

	ctxBlock := &types.DocumentContext{Document: *doc}
	ctxBlock.Document.Tags = types.ProjectTimestamps(doc.Tags, doc.CreatedAt, doc.UpdatedAt, doc.AccessedAt)
	ctxBlock.Similar = k.buildSimilarBlock(doc)
	ctxBlock.Meta = k.buildMetaBlock(doc)
	ctxBlock.Inverse = k.buildInverseBlock(doc)
	ctxBlock.Prev = k.buildVersionNav(doc.ID)
	ctxBlock.Parts = k.buildPartsManifest(doc.ID)

	k.touchAccessed(doc.ID)
	return ctxBlock, nil
}

// buildSimilarBlock collects the nearest neighbors of the document's own
// stored embedding, decayed and excluding self.
func (k *Keeper) buildSimilarBlock(doc *types.Document) []types.SimilarRef {
	if k.cfg.SimilarLimit <= 0 {
		return nil
	}
	scored, err := k.vectors.QueryByKey(doc.ID, vectorstore.QueryOptions{Limit: k.cfg.SimilarLimit})
	if err != nil {
		return nil
	}
	out := make([]types.SimilarRef, 0, len(scored))
	for _, s := range scored {
		updated, err := types.ParseTime(s.UpdatedAt)
		if err != nil {
			updated = types.Now()
		}
		score := vectorstore.EffectiveScore(s.Cosine, types.Now().Sub(updated), k.cfg.RecencyHalfLife)
		out = append(out, types.SimilarRef{
			ID: s.Key, Offset: 0, Score: score, Date: types.DateProjection(updated), Summary: s.Summary,
		})
	}
	return out
}

// buildMetaBlock asks every `.meta/*` doc to resolve its query against
// this doc's tags; matching branches run as tag-filtered lookups capped
// at MetaLimit results apiece.
func (k *Keeper) buildMetaBlock(doc *types.Document) map[string][]types.MetaRef {
	out := map[string][]types.MetaRef{}
	for _, md := range k.meta.MetaDocs() {
		label := metaLabel(md.ID)
		seen := map[string]bool{doc.ID: true}
		var refs []types.MetaRef
		for _, q := range md.Queries {
			if len(refs) >= k.cfg.MetaLimit {
				break
			}
			filter, ok := metaresolver.ResolveFilter(q, doc.Tags)
			if !ok {
				continue
			}
			ids, err := k.docs.QueryDocuments(docstore.QueryOptions{TagFilter: filter, Limit: k.cfg.MetaLimit})
			if err != nil {
				continue
			}
			for _, id := range ids {
				if seen[id] || len(refs) >= k.cfg.MetaLimit {
					continue
				}
				seen[id] = true
				if d, err := k.docs.GetDocument(id); err == nil {
					refs = append(refs, types.MetaRef{ID: d.ID, Summary: d.Summary})
				}
			}
		}
		if len(refs) > 0 {
			out[label] = refs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func metaLabel(id string) string {
	const prefix = ".meta/"
	if len(id) > len(prefix) {
		return id[len(prefix):]
	}
	return id
}

// buildInverseBlock lists, for each declared edge key, the documents
// whose tags[key] points at this one.
func (k *Keeper) buildInverseBlock(doc *types.Document) map[string][]types.MetaRef {
	out := map[string][]types.MetaRef{}
	for _, ek := range k.meta.EdgeKeys() {
		ids, err := k.docs.InverseEdges(doc.ID, ek.Key)
		if err != nil || len(ids) == 0 {
			continue
		}
		label := fmt.Sprintf("tags/%s", ek.Inverse)
		var refs []types.MetaRef
		for _, id := range ids {
			if d, err := k.docs.GetDocument(id); err == nil {
				refs = append(refs, types.MetaRef{ID: d.ID, Summary: d.Summary})
			}
		}
		if len(refs) > 0 {
			out[label] = refs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// buildVersionNav lists, for the offset-0 view, the newest archived
// versions, most recent first.
func (k *Keeper) buildVersionNav(docID string) []types.VersionRef {
	if k.cfg.VersionNavLimit <= 0 {
		return nil
	}
	versions, err := k.docs.ListVersions(docID)
	if err != nil || len(versions) == 0 {
		return nil
	}
	limit := k.cfg.VersionNavLimit
	if limit > len(versions) {
		limit = len(versions)
	}
	out := make([]types.VersionRef, 0, limit)
	maxOrdinal := versions[0].VersionOrdinal
	for _, v := range versions[:limit] {
		out = append(out, types.VersionRef{
			Offset: maxOrdinal - v.VersionOrdinal + 1, Date: types.DateProjection(v.CreatedAt), Summary: v.Summary,
		})
	}
	return out
}

// buildNextNav lists the versions that came after the one being viewed:
// offsets counting down toward 0, nearest first.
func (k *Keeper) buildNextNav(docID string, offset int) []types.VersionRef {
	if k.cfg.VersionNavLimit <= 0 || offset <= 0 {
		return nil
	}
	var out []types.VersionRef
	for o := offset - 1; o >= 0 && len(out) < k.cfg.VersionNavLimit; o-- {
		v, err := k.docs.GetVersion(docID, o)
		if err != nil {
			continue
		}
		out = append(out, types.VersionRef{
			Offset: o, Date: types.DateProjection(v.CreatedAt), Summary: v.Summary,
		})
	}
	return out
}

// buildPartsManifest lists a document's parts with their summaries.
func (k *Keeper) buildPartsManifest(docID string) []types.PartRef {
	parts, err := k.docs.ListParts(docID)
	if err != nil || len(parts) == 0 {
		return nil
	}
	out := make([]types.PartRef, 0, len(parts))
	for _, p := range parts {
		out = append(out, types.PartRef{PartNum: p.PartNum, Summary: p.Summary, Tags: p.Tags})
	}
	return out
}
