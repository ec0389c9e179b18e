package api

import (
	"net/http"
)

// HandleWebSocket upgrades a client to the collaboration protocol. One
// socket can carry any number of documents.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.ServeHTTP(w, r)
}
