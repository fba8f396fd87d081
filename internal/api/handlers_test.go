package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"collab-engine/internal/engine"
	"collab-engine/internal/models"
	"collab-engine/internal/repository"
	"collab-engine/internal/schema"
	"collab-engine/internal/services"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDocRepo struct {
	mu   sync.Mutex
	docs map[string]*models.Document
}

func (r *memDocRepo) Create(_ context.Context, create *models.DocumentCreate) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := &models.Document{
		ID:             ksuid.New().String(),
		Title:          create.Title,
		Content:        create.Content,
		InitialContent: create.Content,
		Metadata:       create.Metadata,
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memDocRepo) GetByID(_ context.Context, id string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", repository.ErrNotFound, id)
	}
	cp := *doc
	return &cp, nil
}

func (r *memDocRepo) List(_ context.Context, limit, offset int) ([]*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Document, 0, len(r.docs))
	for _, d := range r.docs {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memDocRepo) Update(_ context.Context, id string, update *models.DocumentUpdate) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", repository.ErrNotFound, id)
	}
	if update.Title != nil {
		doc.Title = *update.Title
	}
	cp := *doc
	return &cp, nil
}

func (r *memDocRepo) SaveState(_ context.Context, id string, content string, version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: document %s", repository.ErrNotFound, id)
	}
	doc.Content = content
	doc.Version = version
	return nil
}

func (r *memDocRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return fmt.Errorf("%w: document %s", repository.ErrNotFound, id)
	}
	delete(r.docs, id)
	return nil
}

type memOpRepo struct {
	mu   sync.Mutex
	recs []*models.OperationRecord
}

func (r *memOpRepo) Store(_ context.Context, rec *models.OperationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memOpRepo) GetAll(_ context.Context, documentID string) ([]*models.OperationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.OperationRecord
	for _, rec := range r.recs {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memOpRepo) GetSince(_ context.Context, documentID, actorID string, afterSeq uint64) ([]*models.OperationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.OperationRecord
	for _, rec := range r.recs {
		if rec.DocumentID == documentID && rec.ActorID == actorID && rec.Seq > afterSeq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memOpRepo) Trim(_ context.Context, documentID string, keepCount int) error { return nil }

type memVerRepo struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.VersionRecord
}

func (r *memVerRepo) Store(_ context.Context, rec *models.VersionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.ID] = rec
	return nil
}

func (r *memVerRepo) GetByID(_ context.Context, id uuid.UUID) (*models.VersionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: version %s", repository.ErrNotFound, id)
	}
	return rec, nil
}

func (r *memVerRepo) List(_ context.Context, documentID string) ([]*models.VersionRecord, error) {
	return nil, nil
}

type memEventLog struct{}

func (memEventLog) ListByDocument(_ context.Context, documentID string, limit int) ([]*models.EventRecord, error) {
	return []*models.EventRecord{}, nil
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	registry := schema.NewRegistry()
	svc := services.NewCollabService(
		&memDocRepo{docs: make(map[string]*models.Document)},
		&memOpRepo{},
		&memVerRepo{recs: make(map[uuid.UUID]*models.VersionRecord)},
		nil,
		registry,
		services.Options{},
		nil,
	)
	t.Cleanup(svc.Shutdown)
	h := NewHandler(svc, registry, memEventLog{}, nil)
	return SetupRoutes(h)
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func createDocument(t *testing.T, router *mux.Router, content string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/documents", models.DocumentCreate{
		Title:   "doc",
		Content: content,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc models.Document
	decodeBody(t, rec, &doc)
	require.NotEmpty(t, doc.ID)
	return doc.ID
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDocumentEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDocument(t, router, "Hello")

	rec := doJSON(t, router, http.MethodGet, "/api/documents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc models.Document
	decodeBody(t, rec, &doc)
	assert.Equal(t, "Hello", doc.Content)

	title := "renamed"
	rec = doJSON(t, router, http.MethodPut, "/api/documents/"+id, models.DocumentUpdate{Title: &title})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &doc)
	assert.Equal(t, "renamed", doc.Title)

	rec = doJSON(t, router, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/documents/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitOperationEndpoint(t *testing.T) {
	router := newTestRouter(t)
	id := createDocument(t, router, "Hello")

	rop := engine.RemoteOperation{
		Op:  engine.NewInsert(engine.Position{Line: 0, Column: 5}, " World", "alice", time.Now()),
		Seq: 1,
	}
	rec := doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/operations", rop)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Content string `json:"content"`
		Version uint64 `json:"version"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "Hello World", resp.Content)
	assert.Equal(t, uint64(1), resp.Version)

	// Out-of-bounds coordinates surface as unprocessable.
	bad := engine.RemoteOperation{
		Op:  engine.NewInsert(engine.Position{Line: 9, Column: 0}, "x", "alice", time.Now()),
		Seq: 2,
	}
	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/operations", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPresenceEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDocument(t, router, "Hello")

	rec := doJSON(t, router, http.MethodPut, "/api/documents/"+id+"/presence", map[string]any{
		"user_id":      "alice",
		"display_name": "Alice",
		"cursor":       map[string]int{"line": 0, "column": 3},
		"is_typing":    true,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/documents/"+id+"/presence/alice/qos", map[string]int{"tier": 0})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Users []engine.Presence `json:"users"`
		Count int               `json:"count"`
	}
	decodeBody(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "alice", resp.Users[0].UserID)
	assert.Equal(t, engine.QoSCritical, resp.Users[0].QoSTier)

	// user_id is mandatory.
	rec = doJSON(t, router, http.MethodPut, "/api/documents/"+id+"/presence", map[string]any{
		"cursor": map[string]int{"line": 0, "column": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDocument(t, router, "Hello World")

	ops := []engine.Operation{
		engine.NewInsert(engine.Position{Line: 0, Column: 11}, "!", "alice", time.Unix(100, 0).UTC()),
		engine.NewInsert(engine.Position{Line: 0, Column: 11}, "?", "bob", time.Unix(101, 0).UTC()),
	}
	rec := doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/conflicts/detect", map[string]any{"operations": ops})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var detect struct {
		Conflicts []engine.Conflict `json:"conflicts"`
		Count     int               `json:"count"`
	}
	decodeBody(t, rec, &detect)
	require.Equal(t, 1, detect.Count)
	conflictID := detect.Conflicts[0].ID

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/conflicts/"+conflictID.String()+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved engine.Conflict
	decodeBody(t, rec, &resolved)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "alice", resolved.ResolvedOperations[0].ActorID)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/conflicts/not-a-uuid/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/conflicts/"+uuid.NewString()+"/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/documents/"+id+"/priorities/alice", map[string]int{"priority": 10})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestVersionEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := createDocument(t, router, "Hello")

	rop := engine.RemoteOperation{
		Op:  engine.NewInsert(engine.Position{Line: 0, Column: 5}, " World", "alice", time.Now()),
		Seq: 1,
	}
	rec := doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/operations", rop)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/versions", map[string]string{
		"author":         "alice",
		"commit_message": "first",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v engine.DocumentVersion
	decodeBody(t, rec, &v)
	assert.Equal(t, uint64(1), v.VersionNumber)
	assert.Equal(t, "Hello World", v.Content)

	rop2 := engine.RemoteOperation{
		Op:  engine.NewInsert(engine.Position{Line: 0, Column: 11}, "!", "alice", time.Now()),
		Seq: 2,
	}
	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/operations", rop2)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/versions", map[string]string{"author": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/versions/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/versions/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/documents/"+id+"/versions/compare?a=1&b=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var diff engine.VersionDiff
	decodeBody(t, rec, &diff)
	assert.Len(t, diff.Operations, 1)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/branches", map[string]any{"name": "feature", "version": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/tags", map[string]any{"name": "release-1", "version": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/tags", map[string]any{"name": "release-1", "version": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/documents/"+id+"/branches/merge", map[string]string{
		"source": "main",
		"target": "feature",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var merge engine.MergeResult
	decodeBody(t, rec, &merge)
	assert.Equal(t, uint64(2), merge.MergedVersion)
}

func TestSchemaEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var types struct {
		EventTypes []string `json:"event_types"`
	}
	decodeBody(t, rec, &types)
	assert.Contains(t, types.EventTypes, "ConflictDetected")

	def := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	rec = doJSON(t, router, http.MethodPost, "/api/schemas/ItemAdded/versions/1.0.0", def)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/schemas/ItemAdded/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		Versions []string `json:"versions"`
	}
	decodeBody(t, rec, &versions)
	assert.Equal(t, []string{"1.0.0"}, versions.Versions)

	rec = doJSON(t, router, http.MethodPost, "/api/schemas/ItemAdded/validate", map[string]any{
		"version": "1.0.0",
		"payload": map[string]string{"name": "thing"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/schemas/ItemAdded/validate", map[string]any{
		"version": "1.0.0",
		"payload": map[string]int{"count": 3},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// No transformation registered for the pair.
	rec = doJSON(t, router, http.MethodPost, "/api/schemas/ItemAdded/transform", map[string]any{
		"from":    "1.0.0",
		"to":      "2.0.0",
		"payload": map[string]string{"name": "thing"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/api/schemas/ItemAdded/versions/1.0.0/deprecate", map[string]any{})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/schemas/ItemAdded/validate", map[string]any{
		"version": "1.0.0",
		"payload": map[string]string{"name": "thing"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
