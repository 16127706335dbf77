package keeper

import (
	"context"
	"sort"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/types"
	"github.com/starford/noesis/internal/vectorstore"
)

// FindInput is the normalized request for Find. Query and
// SimilarTo are mutually exclusive.
type FindInput struct {
	Query        string
	SimilarTo    string
	TagFilter    types.Tags
	Since, Until *time.Time
	Limit        int
	Fulltext     bool
	Deep         bool
}

func (in FindInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Query, validation.When(in.SimilarTo != "", validation.Empty.Error("query and similar_to are mutually exclusive"))),
	)
}

// Find runs a semantic, lexical, or tag-filtered search.
func (k *Keeper) Find(ctx context.Context, in FindInput) ([]types.Item, error) {
	if err := in.Validate(); err != nil {
		return nil, apperr.InvalidInput("find: %v", err)
	}
	if in.Query == "" && in.SimilarTo == "" {
		return nil, apperr.InvalidInput("find: one of query or similar_to is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	tagFilter := types.CasefoldKeys(in.TagFilter)

	if in.Fulltext {
		return k.findFulltext(in.Query, limit)
	}

	candLimit := limit * 4
	if candLimit > k.cfg.FindCandidateCap {
		candLimit = k.cfg.FindCandidateCap
	}

	var queryVector []float32
	excludeKey := ""
	if in.SimilarTo != "" {
		rec, err := k.vectors.Get(in.SimilarTo)
		if err != nil {
			return nil, err
		}
		queryVector = rec.Vector
		excludeKey = in.SimilarTo
	} else {
		v, err := k.providers.Embed(ctx, in.Query)
		if err != nil {
			return nil, err
		}
		queryVector = v
	}

	scored, err := k.vectors.Query(queryVector, vectorstore.QueryOptions{
		TagFilter: tagFilter, Since: in.Since, Until: in.Until, Limit: candLimit, ExcludeKey: excludeKey,
	})
	if err != nil {
		return nil, err
	}

	type ranked struct {
		item      types.Item
		effective float64
	}
	now := types.Now()
	rankedItems := make([]ranked, 0, len(scored))
	for _, s := range scored {
		if s.Tags[types.TagEmbedPending] == "1" {
			continue
		}
		updated, err := types.ParseTime(s.UpdatedAt)
		if err != nil {
			updated = now
		}
		effective := vectorstore.EffectiveScore(s.Cosine, now.Sub(updated), k.cfg.RecencyHalfLife)
		cosine := s.Cosine
		rankedItems = append(rankedItems, ranked{
			item:      types.Item{ID: s.Key, Summary: s.Summary, Tags: s.Tags, Score: &cosine},
			effective: effective,
		})
	}
	sort.SliceStable(rankedItems, func(i, j int) bool { return rankedItems[i].effective > rankedItems[j].effective })
	if len(rankedItems) > limit {
		rankedItems = rankedItems[:limit]
	}
	items := make([]types.Item, len(rankedItems))
	for i, r := range rankedItems {
		items[i] = r.item
	}
	return k.enrichFromCanonical(items), nil
}

func (k *Keeper) findFulltext(query string, limit int) ([]types.Item, error) {
	ids, err := k.docs.Fulltext(query, limit)
	if err != nil {
		return nil, err
	}
	now := types.Now()
	type ranked struct {
		item      types.Item
		effective float64
	}
	rankedItems := make([]ranked, 0, len(ids))
	for _, id := range ids {
		doc, err := k.docs.GetDocument(id)
		if err != nil {
			continue
		}
		effective := vectorstore.EffectiveScore(1, now.Sub(doc.UpdatedAt), k.cfg.RecencyHalfLife)
		score := 1.0
		rankedItems = append(rankedItems, ranked{
			item:      types.Item{ID: doc.ID, Summary: doc.Summary, Tags: doc.Tags, Score: &score},
			effective: effective,
		})
	}
	sort.SliceStable(rankedItems, func(i, j int) bool { return rankedItems[i].effective > rankedItems[j].effective })
	items := make([]types.Item, len(rankedItems))
	for i, r := range rankedItems {
		items[i] = r.item
	}
	return items, nil
}

// enrichFromCanonical performs the part-to-parent uplift and the final
// tag-enrichment step: when a hit addresses a part, promote
// its parent document into the result carrying a `_focus_part` tag
// (deduped to the highest-scoring part per parent); every surviving item
// then has its tags replaced by the canonical (non-casefolded) SQL tags.
func (k *Keeper) enrichFromCanonical(items []types.Item) []types.Item {
	bestPartScore := map[string]float64{}
	out := make([]types.Item, 0, len(items))
	index := map[string]int{}

	for _, it := range items {
		addr := types.ParseAddress(it.ID)
		if addr.Part != nil {
			parentID := addr.BaseID
			if it.Score != nil {
				if prev, ok := bestPartScore[parentID]; ok && prev >= *it.Score {
					continue
				}
				bestPartScore[parentID] = *it.Score
			}
			doc, err := k.docs.GetDocument(parentID)
			if err != nil {
				continue
			}
			tags := doc.Tags.Clone()
			tags["_focus_part"] = strconv.Itoa(*addr.Part)
			if i, ok := index[parentID]; ok {
				out[i].Tags = tags
				out[i].Score = it.Score
				continue
			}
			index[parentID] = len(out)
			out = append(out, types.Item{ID: parentID, Summary: doc.Summary, Tags: tags, Score: it.Score})
			continue
		}
		if _, ok := index[it.ID]; ok {
			continue
		}
		if doc, err := k.docs.GetDocument(addr.BaseID); err == nil {
			it.Tags = doc.Tags
		}
		index[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

// DeepFind expands an ordinary Find by walking outbound edges and
// similar-item relations, breadth-first with a visited set, aggregating
// summaries until the character budget (approximating tokens at chars/4)
// or the depth cap is hit.
func (k *Keeper) DeepFind(ctx context.Context, in FindInput) ([]types.Item, error) {
	base, err := k.Find(ctx, in)
	if err != nil {
		return nil, err
	}
	budget := k.cfg.DeepFindBudget
	depth := k.cfg.DeepFindDepth
	if budget <= 0 || depth <= 0 {
		return base, nil
	}

	type queued struct {
		item  types.Item
		depth int
	}
	visited := map[string]bool{}
	spent := 0
	out := make([]types.Item, 0, len(base))
	pending := make([]queued, 0, len(base))
	for _, it := range base {
		pending = append(pending, queued{it, 0})
	}

	for len(pending) > 0 && spent < budget {
		cur := pending[0]
		pending = pending[1:]
		if visited[cur.item.ID] {
			continue
		}
		visited[cur.item.ID] = true
		cost := len(cur.item.Summary)
		if spent+cost > budget {
			continue
		}
		spent += cost
		out = append(out, cur.item)

		if cur.depth >= depth {
			continue
		}
		for _, neighbor := range k.outboundNeighbors(cur.item.ID) {
			if !visited[neighbor.ID] {
				pending = append(pending, queued{neighbor, cur.depth + 1})
			}
		}
	}
	return out, nil
}

func (k *Keeper) outboundNeighbors(id string) []types.Item {
	var out []types.Item
	if edges, err := k.docs.OutboundEdges(id); err == nil {
		for _, e := range edges {
			if d, err := k.docs.GetDocument(e.TargetID); err == nil {
				out = append(out, types.Item{ID: d.ID, Summary: d.Summary, Tags: d.Tags})
			}
		}
	}
	if scored, err := k.vectors.QueryByKey(id, vectorstore.QueryOptions{Limit: 3}); err == nil {
		for _, s := range scored {
			cosine := s.Cosine
			out = append(out, types.Item{ID: s.Key, Summary: s.Summary, Tags: s.Tags, Score: &cosine})
		}
	}
	return out
}
