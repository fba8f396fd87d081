package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"collab-engine/internal/engine"
	"collab-engine/internal/models"
	"collab-engine/internal/repository"
	"collab-engine/internal/schema"
	"collab-engine/internal/services"
	"collab-engine/internal/services/collaboration"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler handles HTTP requests.
type Handler struct {
	svc       *services.CollabService
	registry  *schema.Registry
	eventLog  EventLog
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	svc *services.CollabService,
	registry *schema.Registry,
	eventLog EventLog,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		svc:       svc,
		registry:  registry,
		eventLog:  eventLog,
		wsHandler: wsHandler,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors onto HTTP status codes.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, engine.ErrDocumentNotFound),
		errors.Is(err, engine.ErrVersionNotFound),
		errors.Is(err, engine.ErrConflictNotFound),
		errors.Is(err, schema.ErrSchemaNotFound),
		errors.Is(err, schema.ErrVersionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidPosition),
		errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, schema.ErrInvalidVersion):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrOperationConflict),
		errors.Is(err, engine.ErrTagExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrTransformationError),
		errors.Is(err, schema.ErrValidationFailed),
		errors.Is(err, schema.ErrTransformationFailed),
		errors.Is(err, schema.ErrSchemaDeprecated):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Document handlers

func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var doc models.DocumentCreate
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.svc.CreateDocument(r.Context(), &doc)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	documents, err := h.svc.ListDocuments(r.Context(), limit, offset)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.GetDocument(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	var update models.DocumentUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.svc.UpdateDocument(r.Context(), mux.Vars(r)["id"], &update)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDocument(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Operation handlers

func (h *Handler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var rop engine.RemoteOperation
	if err := json.NewDecoder(r.Body).Decode(&rop); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.SubmitOperation(r.Context(), documentID, rop); err != nil {
		respondError(w, err)
		return
	}

	doc, err := h.svc.GetDocument(r.Context(), documentID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"content":     doc.Content,
		"version":     doc.Version,
	})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	events, err := h.eventLog.ListByDocument(r.Context(), documentID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Presence handlers

func (h *Handler) UpdatePresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		UserID      string                 `json:"user_id"`
		DisplayName string                 `json:"display_name"`
		Cursor      engine.Position        `json:"cursor"`
		Selection   *engine.SelectionRange `json:"selection,omitempty"`
		IsTyping    bool                   `json:"is_typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.UpdatePresence(r.Context(), documentID, req.UserID, req.DisplayName, req.Cursor, req.Selection, req.IsTyping); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	presence, err := h.svc.ListPresence(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": presence,
		"count": len(presence),
	})
}

func (h *Handler) SetQoSTier(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Tier int `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.SetQoSTier(r.Context(), vars["id"], vars["user_id"], req.Tier); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Conflict handlers

func (h *Handler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		Operations []engine.Operation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conflicts, err := h.svc.DetectConflicts(r.Context(), documentID, req.Operations)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.svc.UnresolvedConflicts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	conflictID, err := uuid.Parse(vars["conflict_id"])
	if err != nil {
		http.Error(w, "invalid conflict id", http.StatusBadRequest)
		return
	}

	c, err := h.svc.ResolveConflict(r.Context(), vars["id"], conflictID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ResolveConflictManually(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	conflictID, err := uuid.Parse(vars["conflict_id"])
	if err != nil {
		http.Error(w, "invalid conflict id", http.StatusBadRequest)
		return
	}

	var req struct {
		Operations []engine.Operation `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := h.svc.ResolveManually(r.Context(), vars["id"], conflictID, req.Operations)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) SetUserPriority(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.SetUserPriority(r.Context(), vars["id"], vars["user_id"], req.Priority); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Version handlers

func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		Author        string `json:"author"`
		CommitMessage string `json:"commit_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.svc.CreateVersion(r.Context(), documentID, req.Author, req.CommitMessage)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"count":    len(versions),
	})
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	number, err := strconv.ParseUint(vars["number"], 10, 64)
	if err != nil {
		http.Error(w, "invalid version number", http.StatusBadRequest)
		return
	}

	v, err := h.svc.GetVersion(r.Context(), vars["id"], number)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	a, errA := strconv.ParseUint(r.URL.Query().Get("a"), 10, 64)
	b, errB := strconv.ParseUint(r.URL.Query().Get("b"), 10, 64)
	if errA != nil || errB != nil {
		http.Error(w, "query params a and b must be version numbers", http.StatusBadRequest)
		return
	}

	diff, err := h.svc.CompareVersions(r.Context(), documentID, a, b)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		Name    string `json:"name"`
		Version uint64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.CreateBranch(r.Context(), documentID, req.Name, req.Version); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) MergeBranches(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.svc.MergeBranches(r.Context(), documentID, req.Source, req.Target)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CreateTag(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	var req struct {
		Name    string `json:"name"`
		Version uint64 `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := h.svc.CreateTag(r.Context(), documentID, req.Name, req.Version); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Schema registry handlers

func (h *Handler) ListEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"event_types": h.registry.EventTypes(),
	})
}

func (h *Handler) ListSchemaVersions(w http.ResponseWriter, r *http.Request) {
	eventType := mux.Vars(r)["event_type"]

	versions := h.registry.ListVersions(eventType)
	writeJSON(w, http.StatusOK, map[string]any{
		"event_type": eventType,
		"versions":   versions,
	})
}

func (h *Handler) RegisterSchema(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var definition json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&definition); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.svc.RegisterSchema(r.Context(), vars["event_type"], vars["version"], definition); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) ValidatePayload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Version string          `json:"version"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.registry.Validate(vars["event_type"], req.Version, req.Payload); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (h *Handler) TransformPayload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		From    string          `json:"from"`
		To      string          `json:"to"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.registry.Transform(vars["event_type"], req.From, req.To, req.Payload)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":    req.From,
		"to":      req.To,
		"payload": out,
	})
}

func (h *Handler) DeprecateSchema(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Until *time.Time `json:"until,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.registry.Deprecate(vars["event_type"], vars["version"], req.Until); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
