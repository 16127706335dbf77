// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes Noesis memory operations for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/types"
)

// Server wraps the MCP server with Noesis memory tools.
type Server struct {
	mcp *server.MCPServer
	k   *keeper.Keeper
}

// New creates a new MCP server with all Noesis tools registered.
func New(k *keeper.Keeper) *Server {
	s := &Server{k: k}

	s.mcp = server.NewMCPServer(
		"Noesis",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("put",
		mcp.WithDescription("Store or update a memory document. Provide content directly, "+
			"or uri to fetch it. Existing documents are versioned: the prior state is archived."),
		mcp.WithString("id", mcp.Description("Document id; derived from content hash when omitted")),
		mcp.WithString("content", mcp.Description("Content to store")),
		mcp.WithString("uri", mcp.Description("Fetch content from this URI instead of inlining it")),
		mcp.WithString("summary", mcp.Description("Caller-supplied summary; auto-summarized when omitted")),
		mcp.WithObject("tags", mcp.Description("Tags to merge onto the document")),
	), s.put)

	s.mcp.AddTool(mcp.NewTool("get",
		mcp.WithDescription("Read a document's full display context: similar items, "+
			"meta/inverse references, version navigation, and parts manifest. "+
			"id may address a specific version (id@vN) or part (id@pN)."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document, version, or part address")),
		mcp.WithObject("tag_filter", mcp.Description("Require the resolved document to carry these tags")),
	), s.get)

	s.mcp.AddTool(mcp.NewTool("find",
		mcp.WithDescription("Search memory by query text (semantic) or similar_to an "+
			"existing document id, optionally narrowed by tags and a time window."),
		mcp.WithString("query", mcp.Description("Free-text query, embedded for similarity search")),
		mcp.WithString("similar_to", mcp.Description("Find items similar to this existing document id")),
		mcp.WithObject("tag_filter", mcp.Description("AND-of-equalities tag pre-filter")),
		mcp.WithString("since", mcp.Description("Lower time bound: ISO-8601 date or duration token (P7D, PT1H)")),
		mcp.WithString("until", mcp.Description("Upper time bound: ISO-8601 date or duration token")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
		mcp.WithBoolean("fulltext", mcp.Description("Use substring/token match instead of vector similarity")),
		mcp.WithBoolean("deep", mcp.Description("Also walk one hop of outbound edges within a token budget")),
	), s.find)

	s.mcp.AddTool(mcp.NewTool("tag",
		mcp.WithDescription("Merge or delete tags on a document without touching its content. "+
			"An empty value for a key deletes that key."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithObject("tags", mcp.Required(), mcp.Description("Tags to merge/delete")),
	), s.tag)

	s.mcp.AddTool(mcp.NewTool("delete",
		mcp.WithDescription("Delete a document's current state, optionally along with its archived versions."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithBoolean("delete_versions", mcp.Description("Also delete archived versions")),
	), s.delete)

	s.mcp.AddTool(mcp.NewTool("analyze",
		mcp.WithDescription("Decompose a document's content into structural parts via the "+
			"configured analyzer. Skipped if content is unchanged since the last analysis "+
			"unless force is set."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
		mcp.WithBoolean("force", mcp.Description("Re-analyze even if _analyzed_hash matches")),
		mcp.WithBoolean("defer", mcp.Description("Enqueue the analysis for the background workers instead of waiting")),
	), s.analyze)

	s.mcp.AddTool(mcp.NewTool("get_now",
		mcp.WithDescription("Read the nowdoc singleton (what's currently being worked on), "+
			"auto-creating a default on first access."),
		mcp.WithString("scope", mcp.Description("Optional scope name; the default scope is used when omitted")),
	), s.getNow)

	s.mcp.AddTool(mcp.NewTool("set_now",
		mcp.WithDescription("Replace the nowdoc singleton's content."),
		mcp.WithString("scope", mcp.Description("Optional scope name")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New nowdoc content")),
		mcp.WithObject("tags", mcp.Description("Tags to merge onto the nowdoc")),
	), s.setNow)

	s.mcp.AddTool(mcp.NewTool("get_version_contract",
		mcp.WithDescription("Returns the id/address format contract every client should "+
			"follow (plain ids, id@vN version addresses, id@pN part addresses)."),
	), s.getVersionContract)

	s.mcp.AddResource(
		mcp.NewResource("noesis://address-format", "Address Format Contract",
			mcp.WithResourceDescription("Canonical document/version/part addressing scheme."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readAddressFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}

func toolJSON(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(out)), nil
}

func argTags(req mcp.CallToolRequest, key string) types.Tags {
	raw, ok := req.GetArguments()[key].(map[string]interface{})
	if !ok {
		return nil
	}
	tags := types.Tags{}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			tags[k] = s
		}
	}
	return tags
}

func argBool(req mcp.CallToolRequest, key string) bool {
	b, _ := req.GetArguments()[key].(bool)
	return b
}

func argInt(req mcp.CallToolRequest, key string) int {
	switch v := req.GetArguments()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (s *Server) put(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := req.RequireString("id")
	content, _ := req.RequireString("content")
	uri, _ := req.RequireString("uri")
	summary, _ := req.RequireString("summary")

	doc, err := s.k.Put(ctx, keeper.PutInput{ID: id, Content: content, URI: uri, Summary: summary, Tags: argTags(req, "tags")})
	if err != nil {
		return toolError(err)
	}
	return toolJSON(doc)
}

func (s *Server) get(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return toolError(err)
	}
	docCtx, err := s.k.Get(id, argTags(req, "tag_filter"))
	if err != nil {
		return toolError(err)
	}
	return toolJSON(docCtx)
}

func (s *Server) find(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, _ := req.RequireString("query")
	similarTo, _ := req.RequireString("similar_to")
	sinceStr, _ := req.RequireString("since")
	untilStr, _ := req.RequireString("until")

	in := keeper.FindInput{
		Query: query, SimilarTo: similarTo, TagFilter: argTags(req, "tag_filter"),
		Limit:    argInt(req, "limit"),
		Fulltext: argBool(req, "fulltext"),
	}
	deep := argBool(req, "deep")

	now := types.Now()
	if sinceStr != "" {
		t, err := types.ParseSince(sinceStr, now)
		if err != nil {
			return toolError(err)
		}
		in.Since = &t
	}
	if untilStr != "" {
		t, err := types.ParseSince(untilStr, now)
		if err != nil {
			return toolError(err)
		}
		in.Until = &t
	}

	var (
		items []types.Item
		err   error
	)
	if deep {
		items, err = s.k.DeepFind(ctx, in)
	} else {
		items, err = s.k.Find(ctx, in)
	}
	if err != nil {
		return toolError(err)
	}
	return toolJSON(items)
}

func (s *Server) tag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return toolError(err)
	}
	doc, err := s.k.Tag(id, argTags(req, "tags"))
	if err != nil {
		return toolError(err)
	}
	return toolJSON(doc)
}

func (s *Server) delete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return toolError(err)
	}
	deleteVersions := argBool(req, "delete_versions")
	if err := s.k.Delete(id, deleteVersions); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText("deleted: " + id), nil
}

func (s *Server) analyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return toolError(err)
	}
	force := argBool(req, "force")
	deferred := argBool(req, "defer")
	parts, err := s.k.Analyze(ctx, keeper.AnalyzeInput{ID: id, Force: force, Defer: deferred})
	if err != nil {
		return toolError(err)
	}
	if deferred {
		return mcp.NewToolResultText("analysis enqueued: " + id), nil
	}
	return toolJSON(parts)
}

func (s *Server) getNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, _ := req.RequireString("scope")
	doc, err := s.k.GetNow(ctx, scope)
	if err != nil {
		return toolError(err)
	}
	return toolJSON(doc)
}

func (s *Server) setNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, _ := req.RequireString("scope")
	content, err := req.RequireString("content")
	if err != nil {
		return toolError(err)
	}
	doc, err := s.k.SetNow(ctx, scope, content, argTags(req, "tags"))
	if err != nil {
		return toolError(err)
	}
	return toolJSON(doc)
}

func (s *Server) getVersionContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(AddressFormatContract), nil
}

func (s *Server) readAddressFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "noesis://address-format",
			MIMEType: "text/markdown",
			Text:     AddressFormatContract,
		},
	}, nil
}
