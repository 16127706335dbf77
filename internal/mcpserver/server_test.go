package mcpserver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

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

func testServer(t *testing.T) *Server {
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

	return New(k)
}

// callTool dispatches directly to a tool's handler method, since mcp-go
// does not expose a "call tool by registered name" test helper.
func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case "put":
		result, err = srv.put(ctx, req)
	case "get":
		result, err = srv.get(ctx, req)
	case "find":
		result, err = srv.find(ctx, req)
	case "tag":
		result, err = srv.tag(ctx, req)
	case "delete":
		result, err = srv.delete(ctx, req)
	case "analyze":
		result, err = srv.analyze(ctx, req)
	case "get_now":
		result, err = srv.getNow(ctx, req)
	case "set_now":
		result, err = srv.setNow(ctx, req)
	case "get_version_contract":
		result, err = srv.getVersionContract(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}
	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestPutThenGet(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "put", map[string]interface{}{
		"id":      "note/a",
		"content": "hello world",
	})
	if r.IsError {
		t.Fatalf("put error: %s", resultText(r))
	}

	r = callTool(t, srv, "get", map[string]interface{}{"id": "note/a"})
	if r.IsError {
		t.Fatalf("get error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "hello world") {
		t.Errorf("get result missing content: %s", resultText(r))
	}
}

func TestGetMissingDocumentIsError(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "get", map[string]interface{}{"id": "note/missing"})
	if !r.IsError {
		t.Error("expected error for missing document")
	}
}

func TestTagAndDelete(t *testing.T) {
	srv := testServer(t)
	callTool(t, srv, "put", map[string]interface{}{"id": "note/b", "content": "body"})

	r := callTool(t, srv, "tag", map[string]interface{}{
		"id":   "note/b",
		"tags": map[string]interface{}{"topic": "x"},
	})
	if r.IsError {
		t.Fatalf("tag error: %s", resultText(r))
	}

	r = callTool(t, srv, "delete", map[string]interface{}{"id": "note/b"})
	if r.IsError {
		t.Fatalf("delete error: %s", resultText(r))
	}

	r = callTool(t, srv, "get", map[string]interface{}{"id": "note/b"})
	if !r.IsError {
		t.Error("expected error reading a deleted document")
	}
}

func TestFindReturnsMatches(t *testing.T) {
	srv := testServer(t)
	callTool(t, srv, "put", map[string]interface{}{"id": "note/c", "content": "alpha beta"})

	r := callTool(t, srv, "find", map[string]interface{}{"query": "alpha beta", "limit": float64(5)})
	if r.IsError {
		t.Fatalf("find error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "note/c") {
		t.Errorf("find result missing note/c: %s", resultText(r))
	}
}

func TestGetSetNow(t *testing.T) {
	srv := testServer(t)

	r := callTool(t, srv, "set_now", map[string]interface{}{"content": "working on x"})
	if r.IsError {
		t.Fatalf("set_now error: %s", resultText(r))
	}

	r = callTool(t, srv, "get_now", map[string]interface{}{})
	if r.IsError {
		t.Fatalf("get_now error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "working on x") {
		t.Errorf("get_now result missing content: %s", resultText(r))
	}
}

func TestGetVersionContract(t *testing.T) {
	srv := testServer(t)
	r := callTool(t, srv, "get_version_contract", map[string]interface{}{})
	if r.IsError {
		t.Fatalf("get_version_contract error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "Address Format Contract") {
		t.Errorf("contract text missing title: %s", resultText(r))
	}
}
