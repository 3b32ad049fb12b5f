package server

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/starford/annocollab/internal/push"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, serves GET /events (SSE) and GET /changes/ws (websocket).
func NewRouter(svc *Service, authEnabled bool, token string, broker *push.Broker, logger *slog.Logger) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Changes.
	r.Post("/changes", h.SubmitChange)
	r.Get("/changes", h.ListChanges)

	// Read side.
	r.Get("/assemblies", h.ListAssemblies)
	r.Get("/refSeqs", h.ListRefSeqs)
	r.Get("/refSeqs/getSequence", h.GetSequence)
	r.Get("/features/getFeatures", h.GetFeatures)

	// Push (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
		r.Method("GET", "/changes/ws", broker.WebSocket(logger))
	}

	return r
}
