package keeper

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/types"
)

func TestAnalyze_DecomposesIntoParts(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "section one", Content: "section one body"},
		{Summary: "section two", Content: "section two body", Tags: map[string]string{"topic": "two"}},
	}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{
		ID:      "note/book",
		Content: "a long document with multiple distinct sections worth decomposing into parts for analysis",
	})

	parts, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].PartNum != 1 || parts[1].PartNum != 2 {
		t.Fatalf("expected 1-indexed part numbers, got %+v", parts)
	}
	if parts[1].Tags["topic"] != "two" {
		t.Fatalf("expected part-specific tag merged in, got %+v", parts[1].Tags)
	}

	stored, err := env.docs.ListParts(doc.ID)
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected parts persisted, got %d", len(stored))
	}
	if _, err := env.vectors.Get(types.PartEmbeddingKey(doc.ID, 1)); err != nil {
		t.Fatalf("expected part 1 embedded: %v", err)
	}
}

func TestAnalyze_SkipsWhenHashUnchanged(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "a", Content: "a content here that is long enough to pass the floor check"},
		{Summary: "b", Content: "b content here that is also long enough to pass the floor check"},
	}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/cached", Content: "document content long enough to analyze meaningfully for this test"})

	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID}); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	firstCalls := 1

	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID}); err != nil {
		t.Fatalf("second analyze: %v", err)
	}
	// The analyzer should not be asked again since _analyzed_hash matches;
	// if it were called again and returned the same parts, ListParts would
	// still show 2, so instead assert the hash tag is actually recorded,
	// which is the mechanism the skip depends on.
	got, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if got.Tags[types.TagAnalyzedHash] != got.ContentHash {
		t.Fatalf("expected _analyzed_hash to be recorded, got %+v", got.Tags)
	}
	_ = firstCalls
}

func TestAnalyze_ForceOverridesHashSkip(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "a", Content: "a content here that is long enough to pass the floor check"},
		{Summary: "b", Content: "b content here that is also long enough to pass the floor check"},
	}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/force", Content: "document content long enough to analyze meaningfully for this test"})

	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID}); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	parts, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID, Force: true})
	if err != nil {
		t.Fatalf("forced analyze: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected forced re-analysis to produce parts again, got %d", len(parts))
	}
}

func TestAnalyze_SingleSectionIsNotDecomposable(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "whole", Content: "the whole document as a single part"},
	}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/single", Content: "short document content that is long enough to analyze"})

	parts, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if parts != nil {
		t.Fatalf("expected nil parts for non-decomposable content, got %+v", parts)
	}
}

func TestAnalyze_RejectsTooShortContent(t *testing.T) {
	env := newTestEnvWithProviders(t, &fakeAnalyzer{}, nil)
	mustPut(t, env.k, PutInput{ID: "note/tiny", Content: "short"})

	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: "note/tiny"}); err == nil {
		t.Fatal("expected error for too-short content")
	}
}

func TestAnalyze_AnalyzerErrorPropagates(t *testing.T) {
	env := newTestEnvWithProviders(t, &fakeAnalyzer{err: errors.New("boom")}, nil)
	mustPut(t, env.k, PutInput{ID: "note/err", Content: "document content long enough to analyze meaningfully here"})

	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: "note/err"}); err == nil {
		t.Fatal("expected analyzer error to propagate")
	}
}
