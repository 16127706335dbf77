package keeper

import (
	"context"
	"strings"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
)

// MoveInput is the normalized request for Move.
type MoveInput struct {
	Name        string
	SourceID    string // default "now"
	TagFilter   types.Tags
	OnlyCurrent bool
}

func tagsMatchFold(docTags, filter types.Tags) bool {
	for k, v := range filter {
		got, ok := docTags[k]
		if !ok || !strings.EqualFold(got, v) {
			return false
		}
	}
	return true
}

// Move relocates history between documents: it extracts versions from
// source matching tagFilter (or all of them, or just the tip with OnlyCurrent) and
// replays them onto name's history, appending if name already exists.
// The source keeps its non-matching versions; if fully emptied and the
// source is the nowdoc, it resets to the default content.
func (k *Keeper) Move(in MoveInput) (*types.Document, int, error) {
	name := in.Name
	if name == "" {
		return nil, 0, apperr.InvalidInput("move: name cannot be empty")
	}
	if err := types.ValidateID(name); err != nil {
		return nil, 0, apperr.InvalidInput("move: %v", err)
	}
	if types.IsPartID(name) {
		return nil, 0, apperr.InvalidInput("move: %q is a part id; parts are managed by analyze", name)
	}
	sourceID := in.SourceID
	if sourceID == "" {
		sourceID = types.NowScope("")
	}

	source, err := k.docs.GetDocument(sourceID)
	if err != nil {
		return nil, 0, err
	}
	sourceVersions, err := k.docs.ListVersions(sourceID) // newest-first
	if err != nil {
		return nil, 0, err
	}

	var matchedOrdinals []int
	var matchedVersions []types.Version // chronological, oldest first
	currentMatches := true
	if len(in.TagFilter) > 0 {
		currentMatches = tagsMatchFold(source.Tags, in.TagFilter)
	}
	if !in.OnlyCurrent {
		for i := len(sourceVersions) - 1; i >= 0; i-- {
			v := sourceVersions[i]
			if len(in.TagFilter) == 0 || tagsMatchFold(v.Tags, in.TagFilter) {
				matchedOrdinals = append(matchedOrdinals, v.VersionOrdinal)
				matchedVersions = append(matchedVersions, v)
			}
		}
	}

	if len(matchedVersions) == 0 && !currentMatches {
		return nil, 0, apperr.InvalidInput("move: no versions of %q match the filter", sourceID)
	}

	// Replay matched history onto the target, oldest first.
	for _, v := range matchedVersions {
		if err := k.docs.AppendVersion(name, v); err != nil {
			return nil, 0, err
		}
		if srcRec, err := k.vectors.Get(types.VersionEmbeddingKey(sourceID, v.VersionOrdinal)); err == nil {
			versions, _ := k.docs.ListVersions(name)
			if len(versions) > 0 {
				_ = k.vectors.Upsert(vectorstoreRecord(types.VersionEmbeddingKey(name, versions[0].VersionOrdinal), srcRec.Vector, srcRec.Summary, v.Tags, v.CreatedAt, v.CreatedAt))
			}
		}
	}

	moved := len(matchedVersions)
	if currentMatches {
		now := types.Now()
		targetDoc := types.Document{
			ID: name, Summary: source.Summary, Tags: source.Tags, ContentHash: source.ContentHash,
			CreatedAt: source.CreatedAt, UpdatedAt: now, AccessedAt: now,
		}
		if existing, err := k.docs.GetDocument(name); err == nil {
			// Target already has a current state: archive it first.
			if err := k.docs.AppendVersion(name, types.Version{
				DocID: name, Summary: existing.Summary, Tags: existing.Tags,
				ContentHash: existing.ContentHash, CreatedAt: existing.UpdatedAt,
			}); err != nil {
				return nil, 0, err
			}
			if rec, err := k.vectors.Get(name); err == nil {
				versions, _ := k.docs.ListVersions(name)
				if len(versions) > 0 {
					_ = k.vectors.Upsert(vectorstoreRecord(types.VersionEmbeddingKey(name, versions[0].VersionOrdinal), rec.Vector, rec.Summary, existing.Tags, existing.UpdatedAt, existing.UpdatedAt))
				}
			}
		}
		if err := k.docs.ReplaceCurrent(targetDoc, k.edgeKeyMap()); err != nil {
			return nil, 0, err
		}
		if rec, err := k.vectors.Get(sourceID); err == nil {
			_ = k.vectors.Upsert(vectorstoreRecord(name, rec.Vector, rec.Summary, targetDoc.Tags, targetDoc.CreatedAt, targetDoc.UpdatedAt))
		}
		moved++
	}

	// Remove extracted state from source.
	if err := k.docs.RemoveVersions(sourceID, matchedOrdinals); err != nil {
		return nil, 0, err
	}
	for _, ord := range matchedOrdinals {
		_ = k.vectors.Delete(types.VersionEmbeddingKey(sourceID, ord))
	}
	if currentMatches {
		// Revert promotes the source's previous state, or deletes the
		// source when no history remains.
		if _, err := k.Revert(sourceID); err != nil {
			return nil, 0, err
		}
		// A nowdoc source snaps back to the default intentions text
		// instead of staying deleted.
		if scope, ok := nowScopeOf(sourceID); ok {
			if _, err := k.docs.GetDocument(sourceID); apperr.Is(err, apperr.KindNotFound) {
				if _, err := k.SetNow(context.Background(), scope, defaultNowContent, nil); err != nil {
					return nil, 0, err
				}
			}
		}
	}

	target, err := k.docs.GetDocument(name)
	if err != nil {
		return nil, 0, err
	}
	return target, moved, nil
}
