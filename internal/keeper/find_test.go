package keeper

import (
	"context"
	"testing"

	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/types"
)

func TestFind_RanksByVectorSimilarity(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RecencyHalfLife = 0 })
	mustPut(t, env.k, PutInput{ID: "note/cat", Content: "cat cat cat"})
	mustPut(t, env.k, PutInput{ID: "note/dog", Content: "totally unrelated zzz"})

	items, err := env.k.Find(context.Background(), FindInput{Query: "cat cat cat", Limit: 5})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(items) == 0 || items[0].ID != "note/cat" {
		t.Fatalf("expected note/cat ranked first, got %+v", items)
	}
}

func TestFind_RequiresQueryOrSimilarTo(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.k.Find(context.Background(), FindInput{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFind_QueryAndSimilarToMutuallyExclusive(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.k.Find(context.Background(), FindInput{Query: "x", SimilarTo: "note/a"})
	if err == nil {
		t.Fatal("expected mutual-exclusivity validation error")
	}
}

func TestFind_ExcludesEmbedPendingDocuments(t *testing.T) {
	env := newTestEnv(t)
	env.embed.failing = true
	mustPut(t, env.k, PutInput{ID: "note/pending", Content: "pending content"})
	env.embed.failing = false
	mustPut(t, env.k, PutInput{ID: "note/ready", Content: "pending content"})

	items, err := env.k.Find(context.Background(), FindInput{Query: "pending content", Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for _, it := range items {
		if it.ID == "note/pending" {
			t.Fatalf("embed-pending document should be excluded from find results: %+v", items)
		}
	}
}

func TestFind_TagFilterNarrowsCandidates(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/in", Content: "matching content", Tags: types.Tags{"project": "alpha"}})
	mustPut(t, env.k, PutInput{ID: "note/out", Content: "matching content", Tags: types.Tags{"project": "beta"}})

	items, err := env.k.Find(context.Background(), FindInput{Query: "matching content", TagFilter: types.Tags{"project": "alpha"}, Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for _, it := range items {
		if it.ID == "note/out" {
			t.Fatalf("tag filter should have excluded note/out: %+v", items)
		}
	}
}

func TestFind_FulltextMode(t *testing.T) {
	env := newTestEnv(t)
	mustPut(t, env.k, PutInput{ID: "note/ft", Content: "the quick brown fox"})

	items, err := env.k.Find(context.Background(), FindInput{Query: "quick brown", Fulltext: true, Limit: 10})
	if err != nil {
		t.Fatalf("fulltext find: %v", err)
	}
	found := false
	for _, it := range items {
		if it.ID == "note/ft" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected note/ft in fulltext results, got %+v", items)
	}
}

func TestFind_PartUpliftDedupesToBestPart(t *testing.T) {
	env := newTestEnv(t)
	doc := mustPut(t, env.k, PutInput{ID: "note/parent", Content: "parent content with two sections alpha beta"})
	_ = env.docs.ReplaceParts(doc.ID, []types.Part{
		{DocID: doc.ID, PartNum: 1, Summary: "alpha section", Content: "alpha section", CreatedAt: doc.CreatedAt},
		{DocID: doc.ID, PartNum: 2, Summary: "beta section", Content: "beta section", CreatedAt: doc.CreatedAt},
	})
	for _, p := range []int{1, 2} {
		vec, _ := env.embed.Embed(context.Background(), "alpha section")
		_ = env.vectors.Upsert(vectorstoreRecord(types.PartEmbeddingKey(doc.ID, p), vec, "alpha section", nil, doc.CreatedAt, doc.CreatedAt))
	}

	items, err := env.k.Find(context.Background(), FindInput{Query: "alpha section", Limit: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	count := 0
	for _, it := range items {
		if it.ID == "note/parent" {
			count++
			if it.Tags["_focus_part"] == "" {
				t.Fatalf("expected _focus_part tag on uplifted item, got %+v", it.Tags)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected parent to appear exactly once after dedup, got %d", count)
	}
}

func TestDeepFind_WalksOutboundEdges(t *testing.T) {
	env := newTestEnv(t)
	from := mustPut(t, env.k, PutInput{ID: "note/from", Content: "from note links to target"})
	mustPut(t, env.k, PutInput{ID: "note/to", Content: "target note content"})

	tagsWithEdge := from.Tags.Merge(types.Tags{"related": "note/to"})
	_, err := env.docs.UpdateTagsOnly("note/from", tagsWithEdge, from.UpdatedAt, types.Now(), docstore.EdgeKeys{"related": "related_by"})
	if err != nil {
		t.Fatalf("declare edge: %v", err)
	}

	items, err := env.k.DeepFind(context.Background(), FindInput{Query: "from note links to target", Limit: 5})
	if err != nil {
		t.Fatalf("deep find: %v", err)
	}
	found := false
	for _, it := range items {
		if it.ID == "note/to" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected deep-find to reach note/to via outbound edge, got %+v", items)
	}
}
