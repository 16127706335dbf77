package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/noesis/internal/apperr"
	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/sse"
	"github.com/starford/noesis/internal/types"
)

// Handler holds API route handlers.
type Handler struct {
	k      *keeper.Keeper
	broker *sse.Broker
}

// NewHandler creates a new Handler. broker may be nil (no event publishing).
func NewHandler(k *keeper.Keeper, broker *sse.Broker) *Handler {
	return &Handler{k: k, broker: broker}
}

// docID extracts the document id from the URL (everything after /api/documents/).
// Supports encoded slashes (e.g. note%2Ftopic).
func docID(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func writeAppErr(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case apperr.Is(err, apperr.KindInvalidInput), apperr.Is(err, apperr.KindTagConstraintViolation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case apperr.Is(err, apperr.KindConcurrentModification):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case apperr.Is(err, apperr.KindDimensionMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case apperr.Is(err, apperr.KindProviderUnavailable), apperr.Is(err, apperr.KindProviderTimeout), apperr.Is(err, apperr.KindProviderTransient):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// putRequest is the JSON body for POST /api/documents.
type putRequest struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	URI     string     `json:"uri"`
	Summary string     `json:"summary"`
	Tags    types.Tags `json:"tags"`
}

// Put handles POST /api/documents.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}

	doc, err := h.k.Put(r.Context(), keeper.PutInput{
		ID: req.ID, Content: req.Content, URI: req.URI, Summary: req.Summary, Tags: req.Tags,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("put", doc.ID)
	}
	writeJSON(w, http.StatusOK, doc)
}

// Get handles GET /api/documents/*.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := docID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	tagFilter := parseTagFilter(r.URL.Query())
	ctx, err := h.k.Get(id, tagFilter)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctx)
}

// Delete handles DELETE /api/documents/*.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := docID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	deleteVersions := r.URL.Query().Get("delete_versions") == "true"
	if err := h.k.Delete(id, deleteVersions); err != nil {
		writeAppErr(w, err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("deleted", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryID extracts the "id" query parameter shared by the sub-resource
// endpoints below. Document ids may themselves contain slashes, which is
// why these endpoints take id as a query parameter rather than a nested
// path segment after the /api/documents/* wildcard.
func queryID(r *http.Request) string {
	return r.URL.Query().Get("id")
}

// Revert handles POST /api/revert?id=….
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	doc, err := h.k.Revert(id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if doc == nil {
		// No archived state to fall back to: the revert deleted the doc.
		if h.broker != nil {
			h.broker.PublishDocEvent("deleted", id)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("put", doc.ID)
	}
	writeJSON(w, http.StatusOK, doc)
}

// tagRequest is the JSON body for POST /api/tags?id=….
type tagRequest struct {
	Tags types.Tags `json:"tags"`
}

// Tag handles POST /api/tags?id=….
func (h *Handler) Tag(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	doc, err := h.k.Tag(id, req.Tags)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("put", doc.ID)
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetVersion handles GET /api/version?id=…&offset=N.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("offset must be an integer"))
		return
	}
	v, err := h.k.GetVersion(id, offset)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListVersions handles GET /api/versions?id=….
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	versions, err := h.k.ListVersions(id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// findRequest is the JSON body for POST /api/find.
type findRequest struct {
	Query     string     `json:"query"`
	SimilarTo string     `json:"similar_to"`
	TagFilter types.Tags `json:"tag_filter"`
	Since     string     `json:"since"`
	Until     string     `json:"until"`
	Limit     int        `json:"limit"`
	Fulltext  bool       `json:"fulltext"`
	Deep      bool       `json:"deep"`
}

// Find handles POST /api/find.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	in := keeper.FindInput{
		Query: req.Query, SimilarTo: req.SimilarTo, TagFilter: req.TagFilter,
		Limit: req.Limit, Fulltext: req.Fulltext, Deep: req.Deep,
	}
	now := types.Now()
	if req.Since != "" {
		t, err := types.ParseSince(req.Since, now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid since: "+err.Error()))
			return
		}
		in.Since = &t
	}
	if req.Until != "" {
		t, err := types.ParseSince(req.Until, now)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid until: "+err.Error()))
			return
		}
		in.Until = &t
	}

	var (
		items []types.Item
		err   error
	)
	if req.Deep {
		items, err = h.k.DeepFind(r.Context(), in)
	} else {
		items, err = h.k.Find(r.Context(), in)
	}
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseTagFilter(q url.Values) types.Tags {
	raw := q.Get("tags")
	if raw == "" {
		return nil
	}
	filter := types.Tags{}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		filter[kv[0]] = kv[1]
	}
	return filter
}

// nowRequest is the JSON body for PUT /api/now.
type nowRequest struct {
	Scope   string     `json:"scope"`
	Content string     `json:"content"`
	Tags    types.Tags `json:"tags"`
}

// GetNow handles GET /api/now.
func (h *Handler) GetNow(w http.ResponseWriter, r *http.Request) {
	doc, err := h.k.GetNow(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// SetNow handles PUT /api/now.
func (h *Handler) SetNow(w http.ResponseWriter, r *http.Request) {
	var req nowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	doc, err := h.k.SetNow(r.Context(), req.Scope, req.Content, req.Tags)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("put", doc.ID)
	}
	writeJSON(w, http.StatusOK, doc)
}

// moveRequest is the JSON body for POST /api/move.
type moveRequest struct {
	Name        string     `json:"name"`
	SourceID    string     `json:"source_id"`
	TagFilter   types.Tags `json:"tag_filter"`
	OnlyCurrent bool       `json:"only_current"`
}

// Move handles POST /api/move.
func (h *Handler) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	doc, moved, err := h.k.Move(keeper.MoveInput{
		Name: req.Name, SourceID: req.SourceID, TagFilter: req.TagFilter, OnlyCurrent: req.OnlyCurrent,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if h.broker != nil {
		h.broker.PublishDocEvent("put", doc.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "moved": moved})
}

// analyzeRequest is the JSON body for POST /api/analyze?id=….
type analyzeRequest struct {
	GuideTags []string `json:"guide_tags"`
	Force     bool     `json:"force"`
	Defer     bool     `json:"defer"`
}

// Analyze handles POST /api/analyze?id=….
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return
	}
	var req analyzeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	parts, err := h.k.Analyze(r.Context(), keeper.AnalyzeInput{ID: id, GuideTags: req.GuideTags, Force: req.Force, Defer: req.Defer})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": parts})
}

// Export handles GET /api/export: newline-delimited JSON, streamed.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	includeSystem := r.URL.Query().Get("include_system") == "true"
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	err := h.k.ExportIter(includeSystem, types.FormatTime(types.Now()), func(v any) error {
		if err := enc.Encode(v); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// headers are already sent; nothing more to do but log server-side.
		return
	}
}

// importRequest is the JSON body for POST /api/import.
type importRequest struct {
	Header  keeper.ExportHeader  `json:"header"`
	Records []keeper.ExportRecord `json:"records"`
	Mode    keeper.ImportMode    `json:"mode"`
}

// Import handles POST /api/import.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 256<<20)
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	stats, err := h.k.ImportData(r.Context(), req.Header, req.Records, req.Mode)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
