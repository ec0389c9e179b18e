package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"docsync/internal/services/collaboration"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
)

// maxUpdateSize bounds POSTed updates, matching the websocket frame limit.
const maxUpdateSize = 16 << 20

// Handler handles HTTP requests
type Handler struct {
	sessions  SessionService
	store     DocumentStore // nil without persistence
	wsHandler http.Handler
}

func NewHandler(sessions SessionService, store DocumentStore, wsHandler http.Handler) *Handler {
	return &Handler{
		sessions:  sessions,
		store:     store,
		wsHandler: wsHandler,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"instance_id": h.sessions.InstanceID(),
		"documents":   h.sessions.DocumentCount(),
		"connections": h.sessions.ConnectionCount(),
	})
}

// Loaded document handlers

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := h.sessions.Documents()
	stats := make([]collaboration.DocumentStats, 0, len(docs))
	for _, d := range docs {
		stats = append(stats, d.Stats())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": stats,
		"count":     len(stats),
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	d, ok := h.sessions.Document(name)
	if !ok {
		http.Error(w, fmt.Sprintf("document not loaded: %s", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d.Stats())
}

// GetDocumentState returns the full encoded state. The document is loaded
// for the duration of the request if nobody has it open.
func (h *Handler) GetDocumentState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	dc, err := h.sessions.OpenDirectConnection(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	defer dc.Disconnect()

	state := dc.Snapshot()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(state)))
	w.WriteHeader(http.StatusOK)
	w.Write(state)
}

// ApplyUpdate applies a binary update as a server-side change. Connected
// clients receive it like any other edit.
func (h *Handler) ApplyUpdate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	update, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if len(update) == 0 {
		http.Error(w, "empty update", http.StatusBadRequest)
		return
	}

	dc, err := h.sessions.OpenDirectConnection(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	defer dc.Disconnect()

	applied, err := dc.ApplyUpdate(r.Context(), update)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"document": name,
		"applied":  applied,
	})
}

// Stored document handlers

func (h *Handler) ListStoredDocuments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	documents, err := h.store.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

// DeleteStoredDocument removes persisted state. A loaded document would
// write itself back on the next store, so that is refused.
func (h *Handler) DeleteStoredDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, loaded := h.sessions.Document(name); loaded {
		http.Error(w, fmt.Sprintf("document is loaded: %s", name), http.StatusConflict)
		return
	}
	if err := h.store.DeleteDocument(r.Context(), name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

func statusFor(err error) int {
	if errors.Is(err, collaboration.ErrShuttingDown) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
