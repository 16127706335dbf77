package keeper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/metaresolver"
	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/types"
	"github.com/starford/noesis/internal/vectorstore"
)

const testEmbedDim = 4

// fakeEmbedder returns a deterministic, content-derived vector so cosine
// similarity in Find tests is meaningful without a real model.
type fakeEmbedder struct {
	failing bool
}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Model() string  { return "fake-v1" }
func (f *fakeEmbedder) Dimension() int { return testEmbedDim }
func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.failing {
		return nil, errors.New("embed unavailable")
	}
	vec := make([]float32, testEmbedDim)
	for i, c := range []byte(text) {
		vec[i%testEmbedDim] += float32(c)
	}
	return vec, nil
}

type fakeAnalyzer struct {
	parts []providers.AnalyzedPart
	err   error
}

func (f *fakeAnalyzer) Analyze(_ context.Context, content, guide, systemPrompt string) ([]providers.AnalyzedPart, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.parts, nil
}

type fakeFetcher struct {
	bytes       []byte
	contentType string
	err         error
}

func (f *fakeFetcher) Fetch(_ context.Context, uri string) (providers.Fetched, error) {
	if f.err != nil {
		return providers.Fetched{}, f.err
	}
	return providers.Fetched{Bytes: f.bytes, ContentType: f.contentType}, nil
}

// testEnv bundles a keeper with its live stores for assertions that need
// to reach past the keeper's own API (e.g. inspecting raw vectorstore
// state).
type testEnv struct {
	k       *Keeper
	docs    *docstore.DB
	vectors *vectorstore.Store
	queue   *queue.Queue
	embed   *fakeEmbedder
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	docs, err := docstore.Open(filepath.Join(dir, "docs.sqlite"))
	if err != nil {
		t.Fatalf("open docstore: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	vectors, err := vectorstore.Open(filepath.Join(dir, "vectors.sqlite"))
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.sqlite"), 5)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	meta, err := metaresolver.New(docs)
	if err != nil {
		t.Fatalf("new metaresolver: %v", err)
	}

	embed := &fakeEmbedder{}
	router := providers.New(vectors, nil, embed, nil, nil, nil, nil)

	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	k, err := New(docs, vectors, q, meta, router, cfg, nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	return &testEnv{k: k, docs: docs, vectors: vectors, queue: q, embed: embed}
}

// newTestEnvWithProviders is like newTestEnv but lets a test swap in an
// analyzer/fetcher, which DefaultConfig-based construction can't express.
func newTestEnvWithProviders(t *testing.T, analyzer providers.Analyzer, fetcher providers.Fetcher) *testEnv {
	t.Helper()
	dir := t.TempDir()

	docs, err := docstore.Open(filepath.Join(dir, "docs.sqlite"))
	if err != nil {
		t.Fatalf("open docstore: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	vectors, err := vectorstore.Open(filepath.Join(dir, "vectors.sqlite"))
	if err != nil {
		t.Fatalf("open vectorstore: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.sqlite"), 5)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	meta, err := metaresolver.New(docs)
	if err != nil {
		t.Fatalf("new metaresolver: %v", err)
	}

	embed := &fakeEmbedder{}
	router := providers.New(vectors, nil, embed, nil, analyzer, nil, fetcher)

	k, err := New(docs, vectors, q, meta, router, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	return &testEnv{k: k, docs: docs, vectors: vectors, queue: q, embed: embed}
}

func mustPut(t *testing.T, k *Keeper, in PutInput) *types.Document {
	t.Helper()
	doc, err := k.Put(context.Background(), in)
	if err != nil {
		t.Fatalf("put(%q): %v", in.ID, err)
	}
	return doc
}

