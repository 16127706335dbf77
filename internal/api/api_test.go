package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/starford/noesis/internal/docstore"
	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/metaresolver"
	"github.com/starford/noesis/internal/providers"
	"github.com/starford/noesis/internal/queue"
	"github.com/starford/noesis/internal/vectorstore"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) Name() string   { return "fake" }
func (f *fakeEmbedder) Model() string  { return "fake-v1" }
func (f *fakeEmbedder) Dimension() int { return 4 }
func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, c := range []byte(text) {
		vec[i%4] += float32(c)
	}
	return vec, nil
}

func testRouter(t *testing.T, authEnabled bool, token string) http.Handler {
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

	router := providers.New(vectors, nil, &fakeEmbedder{}, nil, nil, nil, nil)

	k, err := keeper.New(docs, vectors, q, meta, router, keeper.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}

	return NewRouter(k, authEnabled, token, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPutThenGet(t *testing.T) {
	h := testRouter(t, false, "")

	rec := doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/a", Content: "hello world"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/documents/note/a", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var ctx map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &ctx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	doc, ok := ctx["document"].(map[string]any)
	if !ok {
		t.Fatalf("expected document field, got %+v", ctx)
	}
	if doc["summary"] != "hello world" {
		t.Fatalf("summary = %+v", doc["summary"])
	}
}

func TestGet_UnknownDocumentIsNotFound(t *testing.T) {
	h := testRouter(t, false, "")
	rec := doJSON(t, h, http.MethodGet, "/documents/note/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPut_MissingContentAndURIIsBadRequest(t *testing.T) {
	h := testRouter(t, false, "")
	rec := doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/empty"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	h := testRouter(t, true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/now", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	h := testRouter(t, true, "secret")
	req := httptest.NewRequest(http.MethodGet, "/now", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestTagAndRevertEndpoints(t *testing.T) {
	h := testRouter(t, false, "")
	doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/b", Content: "v1"})
	doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/b", Content: "v2"})

	rec := doJSON(t, h, http.MethodPost, "/tags?id=note/b", tagRequest{Tags: map[string]string{"x": "1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("tag status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/revert?id=note/b", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("revert status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["summary"] != "v1" {
		t.Fatalf("expected reverted summary v1, got %+v", doc["summary"])
	}
}

func TestFindEndpoint(t *testing.T) {
	h := testRouter(t, false, "")
	doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/c", Content: "alpha beta"})

	rec := doJSON(t, h, http.MethodPost, "/find", findRequest{Query: "alpha beta", Limit: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	items, ok := out["items"].([]any)
	if !ok || len(items) == 0 {
		t.Fatalf("expected at least one item, got %+v", out)
	}
}

func TestExportEndpoint(t *testing.T) {
	h := testRouter(t, false, "")
	doJSON(t, h, http.MethodPost, "/documents", putRequest{ID: "note/d", Content: "exported"})

	req := httptest.NewRequest(http.MethodGet, "/export", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty export stream")
	}
}
