package api

import (
	"net/http"

	"docsync/internal/middleware"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, log logr.Logger) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.Tracing(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	// Loaded documents
	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{name}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{name}/state", h.GetDocumentState).Methods(http.MethodGet)
	api.HandleFunc("/documents/{name}/updates", h.ApplyUpdate).Methods(http.MethodPost)

	// Persisted documents
	if h.store != nil {
		api.HandleFunc("/storage/documents", h.ListStoredDocuments).Methods(http.MethodGet)
		api.HandleFunc("/storage/documents/{name}", h.DeleteStoredDocument).Methods(http.MethodDelete)
	}

	r.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	// WebSocket route
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
