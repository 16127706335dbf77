package keeper

import (
	"context"
	"testing"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/types"
)

// fakeSummarizer returns err when it is set, otherwise the fixed out
// string, or the input prefixed with "summarized: " when out is empty.
// The failing field is not consulted.
type fakeSummarizer struct {
	out     string
	err     error
	failing bool
}

func (f *fakeSummarizer) Summarize(_ context.Context, content, systemPrompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return "summarized: " + content, nil
}

func newTestEnvWithSummarizer(t *testing.T, summarizer providers.Summarizer) *testEnv {
	t.Helper()
	env := newTestEnvWithProviders(t, nil, nil)
	router := providers.New(env.vectors, env.k, env.embed, summarizer, nil, nil, nil)
	k, err := New(env.docs, env.vectors, env.queue, env.k.meta, router, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	env.k = k
	return env
}

func TestProcessEmbed_ClearsPendingTagAndUpsertsVector(t *testing.T) {
	env := newTestEnvWithProviders(t, nil, nil)
	env.embed.failing = true
	doc := mustPut(t, env.k, PutInput{ID: "note/a", Content: "hello world"})
	if _, ok := doc.Tags[types.TagEmbedPending]; !ok {
		t.Fatalf("expected embed-pending tag after failed embed, got %+v", doc.Tags)
	}

	env.embed.failing = false
	if err := env.k.processEmbed(context.Background(), doc.ID); err != nil {
		t.Fatalf("processEmbed: %v", err)
	}

	updated, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if _, ok := updated.Tags[types.TagEmbedPending]; ok {
		t.Fatalf("expected embed-pending tag cleared, got %+v", updated.Tags)
	}
	rec, err := env.vectors.Get(doc.ID)
	if err != nil {
		t.Fatalf("get vector: %v", err)
	}
	var allZero = true
	for _, f := range rec.Vector {
		if f != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatalf("expected a non-placeholder vector after processEmbed")
	}
}

func TestProcessSummarize_ReplacesSummaryWithoutNewVersion(t *testing.T) {
	env := newTestEnvWithSummarizer(t, &fakeSummarizer{out: "a much better summary"})
	longContent := make([]byte, env.k.cfg.MaxSummaryLength+50)
	for i := range longContent {
		longContent[i] = 'x'
	}
	doc := mustPut(t, env.k, PutInput{ID: "note/b", Content: string(longContent)})

	versionsBefore, err := env.docs.ListVersions(doc.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	payload, _ := queue.EncodePayload(summarizePayload{Text: string(longContent)})
	task := types.PendingTask{DocID: doc.ID, Kind: types.TaskSummarize, Payload: payload}
	if err := env.k.processSummarize(context.Background(), task); err != nil {
		t.Fatalf("processSummarize: %v", err)
	}

	updated, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if updated.Summary != "a much better summary" {
		t.Fatalf("expected summary replaced, got %q", updated.Summary)
	}

	versionsAfter, err := env.docs.ListVersions(doc.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versionsAfter) != len(versionsBefore) {
		t.Fatalf("summarize must not archive a version: before=%d after=%d", len(versionsBefore), len(versionsAfter))
	}
}

func TestProcessBackfillEdges_MaterializesEdges(t *testing.T) {
	env := newTestEnvWithProviders(t, nil, nil)
	target := mustPut(t, env.k, PutInput{ID: "note/target", Content: "target"})
	_ = target

	// Tag a document with a key that becomes an edge key only after the
	// fact, then backfill.
	doc := mustPut(t, env.k, PutInput{ID: "note/source", Content: "source", Tags: types.Tags{"ref": "note/target"}})

	if _, err := env.docs.CreateDocument(types.Document{
		ID: ".tag/ref", Tags: types.Tags{types.TagInverse: "ref_of"},
		CreatedAt: types.Now(), UpdatedAt: types.Now(), AccessedAt: types.Now(),
	}, env.k.edgeKeyMap()); err != nil {
		t.Fatalf("seed edge-key tag doc: %v", err)
	}
	if err := env.k.meta.Refresh(); err != nil {
		t.Fatalf("refresh metaresolver: %v", err)
	}

	if err := env.k.processBackfillEdges(doc.ID); err != nil {
		t.Fatalf("processBackfillEdges: %v", err)
	}

	inbound, err := env.docs.InverseEdges(target.ID, "ref")
	if err != nil {
		t.Fatalf("inverse edges: %v", err)
	}
	if len(inbound) != 1 || inbound[0] != doc.ID {
		t.Fatalf("expected target to have an inbound ref edge from %q, got %v", doc.ID, inbound)
	}
}

func TestProcessTagClassify_TagsPartsFromVocabulary(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "part one", Content: "this text is clearly urgent"},
		{Summary: "part two", Content: "this text is also urgent"},
	}}
	summarizer := &fakeSummarizer{out: "urgent"}
	env := newTestEnvWithProviders(t, analyzer, nil)
	router := providers.New(env.vectors, env.k, env.embed, summarizer, analyzer, nil, nil)
	k, err := New(env.docs, env.vectors, env.queue, env.k.meta, router, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	env.k = k

	doc := mustPut(t, env.k, PutInput{ID: "note/c", Content: "a document with two sections to analyze for priority"})
	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	now := types.Now()
	if _, err := env.docs.CreateDocument(types.Document{
		ID: ".tag/priority", Tags: types.Tags{types.TagConstrained: "true"},
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}, env.k.edgeKeyMap()); err != nil {
		t.Fatalf("seed constrained tag doc: %v", err)
	}
	for _, v := range []string{"urgent", "normal"} {
		if _, err := env.docs.CreateDocument(types.Document{
			ID: ".tag/priority/" + v, CreatedAt: now, UpdatedAt: now, AccessedAt: now,
		}, env.k.edgeKeyMap()); err != nil {
			t.Fatalf("seed vocabulary doc %q: %v", v, err)
		}
	}
	if err := env.k.meta.Refresh(); err != nil {
		t.Fatalf("refresh metaresolver: %v", err)
	}

	if err := env.k.processTagClassify(context.Background(), doc.ID); err != nil {
		t.Fatalf("processTagClassify: %v", err)
	}

	parts, err := env.docs.ListParts(doc.ID)
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	for _, p := range parts {
		if p.Tags["priority"] != "urgent" {
			t.Fatalf("expected part %d tagged priority=urgent, got %+v", p.PartNum, p.Tags)
		}
	}
}

func TestMarkErrorAndClearError(t *testing.T) {
	env := newTestEnvWithProviders(t, nil, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/d", Content: "hello"})

	if err := env.k.MarkError(doc.ID, apperr.KindProviderFatal, "provider exploded"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	after, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	errTag, ok := after.Tags[types.TagError]
	if !ok || errTag == "" {
		t.Fatalf("expected _error tag set, got %+v", after.Tags)
	}

	if err := env.k.ClearError(doc.ID); err != nil {
		t.Fatalf("ClearError: %v", err)
	}
	cleared, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if _, ok := cleared.Tags[types.TagError]; ok {
		t.Fatalf("expected _error tag removed, got %+v", cleared.Tags)
	}
}

func TestProcessTask_UnknownKind(t *testing.T) {
	env := newTestEnvWithProviders(t, nil, nil)
	err := env.k.ProcessTask(context.Background(), types.PendingTask{DocID: "note/e", Kind: types.TaskKind("bogus")})
	if err == nil {
		t.Fatalf("expected an error for an unknown task kind")
	}
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected KindInvalidInput, got %v", err)
	}
}

func TestProcessTask_DispatchesToAnalyze(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{{Summary: "s1", Content: "c1"}, {Summary: "s2", Content: "c2"}}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/f", Content: "a document with enough content to analyze into two separate parts"})

	if err := env.k.ProcessTask(context.Background(), types.PendingTask{DocID: doc.ID, Kind: types.TaskAnalyze}); err != nil {
		t.Fatalf("ProcessTask(analyze): %v", err)
	}
	parts, err := env.docs.ListParts(doc.ID)
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts from dispatched analyze, got %d", len(parts))
	}
}

func TestProcessSummarize_InvalidPayload(t *testing.T) {
	env := newTestEnvWithSummarizer(t, &fakeSummarizer{})
	task := types.PendingTask{DocID: "note/g", Kind: types.TaskSummarize, Payload: []byte("not json")}
	err := env.k.processSummarize(context.Background(), task)
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected KindInvalidInput for bad payload, got %v", err)
	}
}

func TestProcessSummarize_ReembedFailureKeepsGoing(t *testing.T) {
	env := newTestEnvWithSummarizer(t, &fakeSummarizer{out: "new summary"})
	doc := mustPut(t, env.k, PutInput{ID: "note/h", Content: "short"})
	env.embed.failing = true

	payload, _ := queue.EncodePayload(summarizePayload{Text: "short"})
	task := types.PendingTask{DocID: doc.ID, Kind: types.TaskSummarize, Payload: payload}
	if err := env.k.processSummarize(context.Background(), task); err != nil {
		t.Fatalf("processSummarize should tolerate a re-embed failure, got: %v", err)
	}
	updated, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if updated.Summary != "new summary" {
		t.Fatalf("expected summary updated despite re-embed failure, got %q", updated.Summary)
	}
}

func TestProcessOCR_ReplacesPlaceholderSummary(t *testing.T) {
	fetcher := &fakeFetcher{bytes: []byte("binary"), contentType: "image/png"}
	describer := &fakeDescriber{out: "a photo of a cat"}
	env := newTestEnvWithProviders(t, nil, fetcher)
	router := providers.New(env.vectors, env.k, env.embed, nil, nil, describer, fetcher)
	k, err := New(env.docs, env.vectors, env.queue, env.k.meta, router, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	env.k = k

	doc := mustPut(t, env.k, PutInput{ID: "note/i", URI: "file:///cat.png", Summary: "pending ocr"})

	payload, _ := queue.EncodePayload(ocrPayload{URI: "file:///cat.png", ContentType: "image/png"})
	task := types.PendingTask{DocID: doc.ID, Kind: types.TaskOCR, Payload: payload}
	if err := env.k.processOCR(context.Background(), task); err != nil {
		t.Fatalf("processOCR: %v", err)
	}
	updated, err := env.docs.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if updated.Summary != "a photo of a cat" {
		t.Fatalf("expected OCR description to replace summary, got %q", updated.Summary)
	}
}

// fakeDescriber implements providers.Describer for ocr tests.
type fakeDescriber struct {
	out string
	err error
}

func (f *fakeDescriber) Describe(_ context.Context, media []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestProcessReembed_RefreshesDocumentAndPartVectors(t *testing.T) {
	analyzer := &fakeAnalyzer{parts: []providers.AnalyzedPart{
		{Summary: "part summary", Content: "part body"},
		{Summary: "second part summary", Content: "second part body"},
	}}
	env := newTestEnvWithProviders(t, analyzer, nil)
	doc := mustPut(t, env.k, PutInput{ID: "note/j", Content: "a document with two sections for reembed to decompose into parts"})
	if _, err := env.k.Analyze(context.Background(), AnalyzeInput{ID: doc.ID}); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	if err := env.k.processReembed(context.Background(), doc.ID); err != nil {
		t.Fatalf("processReembed: %v", err)
	}

	if _, err := env.vectors.Get(doc.ID); err != nil {
		t.Fatalf("expected document vector present after reembed: %v", err)
	}
	key := types.PartEmbeddingKey(doc.ID, 1)
	if _, err := env.vectors.Get(key); err != nil {
		t.Fatalf("expected part vector present after reembed: %v", err)
	}
}
