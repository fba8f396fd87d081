package collaboration

import (
	"net/http"

	"collab-engine/internal/middleware"
	"collab-engine/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against an allowlist before exposing
		// this outside trusted networks
		return true
	},
}

// WebSocketHandler upgrades document connections into hub sessions.
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleDocumentConnection joins a client to a document room.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	documentID := vars["id"]

	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	// Opening the workspace validates the document exists and wires the
	// event fanout before the first frame arrives.
	if err := h.sessionManager.ensureFanout(ctx, documentID); err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessionManager.log.Warn("failed to upgrade websocket", "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := &Session{
		Session: models.NewSession(documentID, userID, userName),
		Conn:    conn,
		Send:    make(chan []byte, h.sessionManager.SendBuffer()),
		Manager: h.sessionManager,
	}

	h.sessionManager.register <- session

	go session.WritePump(ctx)
	go session.ReadPump(ctx)

	// New clients start from the full state, then apply live frames.
	session.sendSnapshot(ctx)

	h.sessionManager.log.Info("websocket connection established",
		"document_id", documentID,
		"user_id", userID,
	)
}
