package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/noesis/internal/keeper"
	"github.com/starford/noesis/internal/sse"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group and
// receives document-event notifications from the handlers.
func NewRouter(k *keeper.Keeper, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	h := NewHandler(k, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Document lifecycle.
	r.Post("/documents", h.Put)
	r.Get("/documents/*", h.Get)
	r.Delete("/documents/*", h.Delete)

	// Versions and tags (id passed as a query parameter since ids may
	// themselves contain slashes).
	r.Get("/versions", h.ListVersions)
	r.Get("/version", h.GetVersion)
	r.Post("/revert", h.Revert)
	r.Post("/tags", h.Tag)
	r.Post("/analyze", h.Analyze)

	// Retrieval.
	r.Post("/find", h.Find)

	// Nowdoc.
	r.Get("/now", h.GetNow)
	r.Put("/now", h.SetNow)

	// Relocation.
	r.Post("/move", h.Move)

	// Bulk export/import.
	r.Get("/export", h.Export)
	r.Post("/import", h.Import)

	// SSE endpoint (protected by the same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}

// HealthRouter returns unauthenticated liveness/readiness endpoints, meant
// to be mounted outside the /api prefix.
func HealthRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}
