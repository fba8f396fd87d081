package api

import (
	"net/http"
)

// HandleDocumentWebSocket joins a client to a document's realtime room.
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}
