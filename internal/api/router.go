package api

import (
	"net/http"

	"collab-engine/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Document endpoints
	api.HandleFunc("/documents", h.CreateDocument).Methods("POST")
	api.HandleFunc("/documents", h.ListDocuments).Methods("GET")
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}", h.UpdateDocument).Methods("PUT")
	api.HandleFunc("/documents/{id}", h.DeleteDocument).Methods("DELETE")

	// Operation and event endpoints
	api.HandleFunc("/documents/{id}/operations", h.SubmitOperation).Methods("POST")
	api.HandleFunc("/documents/{id}/events", h.ListEvents).Methods("GET")

	// Presence endpoints
	api.HandleFunc("/documents/{id}/presence", h.UpdatePresence).Methods("PUT")
	api.HandleFunc("/documents/{id}/presence", h.ListPresence).Methods("GET")
	api.HandleFunc("/documents/{id}/presence/{user_id}/qos", h.SetQoSTier).Methods("PUT")

	// Conflict endpoints
	api.HandleFunc("/documents/{id}/conflicts/detect", h.DetectConflicts).Methods("POST")
	api.HandleFunc("/documents/{id}/conflicts", h.ListConflicts).Methods("GET")
	api.HandleFunc("/documents/{id}/conflicts/{conflict_id}/resolve", h.ResolveConflict).Methods("POST")
	api.HandleFunc("/documents/{id}/conflicts/{conflict_id}/resolve-manual", h.ResolveConflictManually).Methods("POST")
	api.HandleFunc("/documents/{id}/priorities/{user_id}", h.SetUserPriority).Methods("PUT")

	// Version endpoints
	api.HandleFunc("/documents/{id}/versions", h.CreateVersion).Methods("POST")
	api.HandleFunc("/documents/{id}/versions", h.ListVersions).Methods("GET")
	api.HandleFunc("/documents/{id}/versions/compare", h.CompareVersions).Methods("GET")
	api.HandleFunc("/documents/{id}/versions/{number}", h.GetVersion).Methods("GET")
	api.HandleFunc("/documents/{id}/branches", h.CreateBranch).Methods("POST")
	api.HandleFunc("/documents/{id}/branches/merge", h.MergeBranches).Methods("POST")
	api.HandleFunc("/documents/{id}/tags", h.CreateTag).Methods("POST")

	// Schema registry endpoints
	api.HandleFunc("/schemas", h.ListEventTypes).Methods("GET")
	api.HandleFunc("/schemas/{event_type}/versions", h.ListSchemaVersions).Methods("GET")
	api.HandleFunc("/schemas/{event_type}/versions/{version}", h.RegisterSchema).Methods("POST")
	api.HandleFunc("/schemas/{event_type}/versions/{version}/deprecate", h.DeprecateSchema).Methods("PUT")
	api.HandleFunc("/schemas/{event_type}/validate", h.ValidatePayload).Methods("POST")
	api.HandleFunc("/schemas/{event_type}/transform", h.TransformPayload).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentWebSocket)

	return r
}
