package keeper

import (
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// Tag applies a merge-only tag update with no re-fetch, re-embed, or
// re-summarize — an empty value deletes the key, and system-managed keys
// are never modifiable this way.
func (k *Keeper) Tag(id string, updates types.Tags) (*types.Document, error) {
	doc, err := k.docs.GetDocument(id)
	if err != nil {
		return nil, err
	}
	clean := types.StripSystem(updates)
	if strings.HasPrefix(id, ".tag/") {
		for _, key := range []string{types.TagConstrained, types.TagInverse} {
			if v, ok := updates[key]; ok {
				clean[key] = v
			}
		}
	}
	if err := k.validateConstrainedTags(doc.Tags.Merge(clean)); err != nil {
		return nil, err
	}
	merged := doc.Tags.Merge(clean)
	updated, err := k.tagOnlyUpdate(id, doc, merged)
	if err != nil {
		return nil, err
	}
	k.afterSystemDocWrite(id)
	return updated, nil
}

// TagPart applies the same merge-only semantics as
// Tag, scoped to a single part.
func (k *Keeper) TagPart(id string, partNum int, updates types.Tags) (*types.Part, error) {
	if partNum <= 0 {
		return nil, apperr.InvalidInput("tag_part: part_num must be positive")
	}
	clean := types.StripSystem(updates)
	return k.docs.TagPart(id, partNum, clean)
}
