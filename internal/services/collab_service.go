package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"collab-engine/internal/engine"
	"collab-engine/internal/metrics"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/schema"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ServerActorID names the authoritative replica each document workspace
// runs on the server. Client actors use their own IDs.
const ServerActorID = "server"

// Workspace bundles the live engine state for one open document.
type Workspace struct {
	Document *engine.Document
	Replica  *engine.Replica
	Resolver *engine.Resolver
	Versions *engine.VersionManager
	Presence *engine.PresenceTracker
	Emitter  *engine.Emitter

	// persisted is the count of applied replica operations already written
	// to the operation log, guarded by persistMu. Replayed history starts
	// persisted; everything past the watermark still needs storing.
	persistMu sync.Mutex
	persisted int

	// baseDocVersion is the document version the replica's restored
	// history starts at: zero for a fresh document, the newest
	// snapshot's version when the workspace was rebuilt from one.
	baseDocVersion uint64
}

// Options tunes workspace construction.
type Options struct {
	ManualQueueCap  int
	EventBufferSize int
	DefaultStrategy engine.Strategy

	// OperationTrimCap bounds the persisted operation log. After a
	// version snapshot is stored the log is compacted down to the
	// newest OperationTrimCap records; zero disables compaction.
	OperationTrimCap int
}

// CollabService owns the in-memory workspaces and coordinates them with
// persistence. One workspace per open document; idle workspaces are
// rebuilt from the operation log on demand.
type CollabService struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace

	docRepo    DocumentRepository
	opRepo     OperationRepository
	verRepo    VersionRepository
	eventStore *EventStoreImpl
	registry   *schema.Registry
	opts       Options
	log        *slog.Logger

	// registryEvents carries document-agnostic events such as
	// SchemaRegistered, which belong to no workspace.
	registryEvents *engine.Emitter
}

// NewCollabService wires the service. eventStore may be nil when event
// persistence is not wanted (tests).
func NewCollabService(
	docRepo DocumentRepository,
	opRepo OperationRepository,
	verRepo VersionRepository,
	eventStore *EventStoreImpl,
	registry *schema.Registry,
	opts Options,
	log *slog.Logger,
) *CollabService {
	if log == nil {
		log = slog.Default()
	}
	if opts.EventBufferSize <= 0 {
		opts.EventBufferSize = 256
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = engine.StrategyTimestampOrder
	}
	s := &CollabService{
		workspaces: make(map[string]*Workspace),
		docRepo:    docRepo,
		opRepo:     opRepo,
		verRepo:    verRepo,
		eventStore: eventStore,
		registry:   registry,
		opts:       opts,
		log:        log,
	}
	s.registryEvents = engine.NewEmitter(registryValidator{reg: registry}, opts.EventBufferSize, log)
	if eventStore != nil {
		s.registryEvents.Subscribe(eventStore.Subscriber(""))
	}
	s.registryEvents.Start()
	return s
}

// RegisterSchema adds an event schema version to the registry and emits
// SchemaRegistered on the registry event stream.
func (s *CollabService) RegisterSchema(ctx context.Context, eventType, version string, definition json.RawMessage) error {
	_, span := middleware.StartSpan(ctx, "CollabService.RegisterSchema",
		attribute.String("schema.event_type", eventType),
		attribute.String("schema.version", version),
	)
	defer span.End()

	if err := s.registry.Register(eventType, version, definition); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if err := s.registryEvents.Emit(engine.EventSchemaRegistered, map[string]string{
		"event_type": eventType,
		"version":    version,
	}); err != nil {
		s.log.Warn("dropping event",
			"event_type", engine.EventSchemaRegistered,
			"error", err)
	}
	return nil
}

// registryValidator adapts the schema registry to the emitter. Events
// stamped with a version the registry does not carry fall back to the
// latest registered schema for the type; event types with no schema at
// all pass through.
type registryValidator struct {
	reg *schema.Registry
}

func (v registryValidator) Validate(eventType, version string, payload json.RawMessage) error {
	err := v.reg.Validate(eventType, version, payload)
	if errors.Is(err, schema.ErrVersionNotFound) {
		latest, lerr := v.reg.LatestVersion(eventType)
		if lerr != nil {
			return err
		}
		return v.reg.Validate(eventType, latest, payload)
	}
	if errors.Is(err, schema.ErrSchemaNotFound) {
		return nil
	}
	return err
}

// CreateDocument persists a new document and opens its workspace.
func (s *CollabService) CreateDocument(ctx context.Context, create *models.DocumentCreate) (*models.Document, error) {
	ctx, span := middleware.StartSpan(ctx, "CollabService.CreateDocument")
	defer span.End()

	doc, err := s.docRepo.Create(ctx, create)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	if _, err := s.openWorkspace(ctx, doc); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return doc, nil
}

// GetDocument returns the persisted document, refreshed with live
// workspace content when the document is open.
func (s *CollabService) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	ws, open := s.workspaces[id]
	s.mu.RUnlock()
	if open {
		doc.Content = ws.Document.Content()
		doc.Version = ws.Document.Version()
	}
	return doc, nil
}

// ListDocuments returns documents with pagination.
func (s *CollabService) ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	return s.docRepo.List(ctx, limit, offset)
}

// UpdateDocument changes title or metadata; content changes go through
// operations.
func (s *CollabService) UpdateDocument(ctx context.Context, id string, update *models.DocumentUpdate) (*models.Document, error) {
	return s.docRepo.Update(ctx, id, update)
}

// DeleteDocument soft-deletes the document and closes its workspace.
func (s *CollabService) DeleteDocument(ctx context.Context, id string) error {
	if err := s.docRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	ws, open := s.workspaces[id]
	delete(s.workspaces, id)
	s.mu.Unlock()
	if open {
		ws.Emitter.Close()
	}
	return nil
}

// Workspace returns the live workspace for a document, rebuilding it
// from storage when needed.
func (s *CollabService) Workspace(ctx context.Context, documentID string) (*Workspace, error) {
	s.mu.RLock()
	ws, ok := s.workspaces[documentID]
	s.mu.RUnlock()
	if ok {
		return ws, nil
	}

	doc, err := s.docRepo.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.openWorkspace(ctx, doc)
}

// openWorkspace builds engine state from the persisted document plus its
// operation log and registers it.
func (s *CollabService) openWorkspace(ctx context.Context, doc *models.Document) (*Workspace, error) {
	ctx, span := middleware.StartSpan(ctx, "CollabService.openWorkspace",
		attribute.String("document.id", doc.ID))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.workspaces[doc.ID]; ok {
		return ws, nil
	}

	checkpoint, err := s.latestCheckpoint(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var edoc *engine.Document
	var replica *engine.Replica
	var base uint64
	if checkpoint != nil {
		var vec engine.VersionVector
		if err := json.Unmarshal(checkpoint.Vector, &vec); err != nil {
			return nil, fmt.Errorf("decode checkpoint vector: %w", err)
		}
		base = checkpoint.DocVersion
		edoc = engine.NewDocumentAt(doc.ID, checkpoint.Content, base)
		replica = engine.NewReplica(ServerActorID, edoc)
		replica.RestoreVector(vec)
	} else {
		edoc = engine.NewDocument(doc.ID, doc.InitialContent)
		replica = engine.NewReplica(ServerActorID, edoc)
	}
	emitter := engine.NewEmitter(registryValidator{reg: s.registry}, s.opts.EventBufferSize, s.log)

	presence := engine.NewPresenceTracker(doc.ID)
	presence.SetEmitter(emitter)

	versions := engine.NewVersionManager(edoc)
	versions.SetEmitter(emitter)

	resolver := engine.NewResolver(edoc)
	resolver.SetDefaultStrategy(s.opts.DefaultStrategy)
	resolver.SetPresence(presence)
	resolver.SetVersionRecorder(versions)
	resolver.SetEmitter(emitter)
	if s.opts.ManualQueueCap > 0 {
		resolver.SetManualQueueLimit(s.opts.ManualQueueCap)
	}

	if err := s.replayLog(ctx, doc.ID, replica, base); err != nil {
		return nil, fmt.Errorf("replay operation log: %w", err)
	}

	if s.eventStore != nil {
		emitter.Subscribe(s.eventStore.Subscriber(doc.ID))
	}
	emitter.Start()

	ws := &Workspace{
		Document:       edoc,
		Replica:        replica,
		Resolver:       resolver,
		Versions:       versions,
		Presence:       presence,
		Emitter:        emitter,
		persisted:      replica.AppliedCount(),
		baseDocVersion: base,
	}
	s.workspaces[doc.ID] = ws
	return ws, nil
}

// latestCheckpoint returns the newest version snapshot that carries
// checkpoint state, or nil when no snapshot can seed a rebuild.
func (s *CollabService) latestCheckpoint(ctx context.Context, documentID string) (*models.VersionRecord, error) {
	records, err := s.verRepo.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var latest *models.VersionRecord
	for _, rec := range records {
		if rec.DocVersion == 0 || len(rec.Vector) == 0 {
			continue
		}
		if latest == nil || rec.DocVersion > latest.DocVersion {
			latest = rec
		}
	}
	return latest, nil
}

// replayLog restores the stored operation log in order. Each record was
// logged post-transform, so records re-apply verbatim with no
// re-transformation. Records at or below the checkpoint version are
// already folded into the restored content and skipped; the rest go
// through RestoreApplied so the replica's own server-originated
// operations come back too, which ApplyRemote would discard as echoes.
func (s *CollabService) replayLog(ctx context.Context, documentID string, replica *engine.Replica, base uint64) error {
	records, err := s.opRepo.GetAll(ctx, documentID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if base > 0 && rec.DocVersion <= base {
			continue
		}
		var op engine.Operation
		if err := json.Unmarshal(rec.Payload, &op); err != nil {
			return fmt.Errorf("decode operation %s: %w", rec.ID, err)
		}
		rop := engine.RemoteOperation{
			Op:  op,
			Seq: rec.Seq,
		}
		if err := replica.RestoreApplied(rop); err != nil {
			return fmt.Errorf("replay operation %s: %w", rec.ID, err)
		}
	}
	return nil
}

// SubmitOperation merges a client operation into the authoritative
// replica, persists it and emits OperationApplied. The returned
// operation is the form actually applied after transformation.
func (s *CollabService) SubmitOperation(ctx context.Context, documentID string, rop engine.RemoteOperation) error {
	ctx, span := middleware.StartSpan(ctx, "CollabService.SubmitOperation",
		attribute.String("document.id", documentID),
		attribute.String("operation.kind", string(rop.Op.Kind)),
	)
	defer span.End()

	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	start := time.Now()
	if err := ws.Replica.ApplyRemote(rop); err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	metrics.ObserveTransform(time.Since(start).Seconds())
	metrics.RecordOperation(string(rop.Op.Kind), "remote")

	applied, err := s.persistNewOperations(ctx, documentID, ws)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	for _, a := range applied {
		if err := ws.Emitter.Emit(engine.EventOperationApplied, map[string]any{
			"document_id":      documentID,
			"operation":        a.Op,
			"document_version": ws.Document.Version(),
		}); err != nil {
			s.log.Warn("dropping event",
				"event_type", engine.EventOperationApplied,
				"document_id", documentID,
				"error", err)
		}
	}
	return nil
}

// ApplyServerOperation applies a server-originated edit (merges,
// programmatic fixes) through the authoritative replica.
func (s *CollabService) ApplyServerOperation(ctx context.Context, documentID string, op engine.Operation) (engine.RemoteOperation, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return engine.RemoteOperation{}, err
	}
	rop, err := ws.Replica.ApplyLocal(op)
	if err != nil {
		return engine.RemoteOperation{}, err
	}
	metrics.RecordOperation(string(op.Kind), "local")
	if _, err := s.persistNewOperations(ctx, documentID, ws); err != nil {
		return engine.RemoteOperation{}, err
	}
	return rop, nil
}

// persistNewOperations writes every replica operation past the workspace's
// persistence watermark to the log, in their applied (post-transform)
// form, then saves the document state. Log replay therefore reproduces
// content verbatim without re-running transforms. Duplicate and buffered
// submissions apply nothing new, so nothing is written for them.
func (s *CollabService) persistNewOperations(ctx context.Context, documentID string, ws *Workspace) ([]engine.RemoteOperation, error) {
	ws.persistMu.Lock()
	defer ws.persistMu.Unlock()

	applied := ws.Replica.AppliedSince(ws.persisted)
	if len(applied) == 0 {
		return nil, nil
	}
	for _, rop := range applied {
		payload, err := json.Marshal(rop.Op)
		if err != nil {
			return nil, fmt.Errorf("encode operation: %w", err)
		}
		rec := &models.OperationRecord{
			DocumentID: documentID,
			ActorID:    rop.Op.ActorID,
			Seq:        rop.Seq,
			DocVersion: ws.baseDocVersion + uint64(ws.persisted) + 1,
			Kind:       string(rop.Op.Kind),
			Payload:    payload,
		}
		if err := s.opRepo.Store(ctx, rec); err != nil {
			return nil, err
		}
		ws.persisted++
	}
	return applied, s.docRepo.SaveState(ctx, documentID, ws.Document.Content(), ws.Document.Version())
}

// UpdatePresence refreshes a user's cursor state in a document.
func (s *CollabService) UpdatePresence(ctx context.Context, documentID, userID, displayName string, cursor engine.Position, selection *engine.SelectionRange, isTyping bool) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	ws.Presence.Update(userID, displayName, cursor, selection, isTyping)
	return nil
}

// SetQoSTier sets a user's priority class for conflict resolution.
func (s *CollabService) SetQoSTier(ctx context.Context, documentID, userID string, tier int) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	ws.Presence.SetQoSTier(userID, tier)
	return nil
}

// ListPresence returns the active users in a document.
func (s *CollabService) ListPresence(ctx context.Context, documentID string) ([]engine.Presence, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.Presence.List(), nil
}

// RemovePresence drops a user from a document's presence set.
func (s *CollabService) RemovePresence(ctx context.Context, documentID, userID string) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	ws.Presence.Remove(userID)
	return nil
}

// DetectConflicts finds overlapping ranges in a batch of concurrent
// operations and registers each conflict for resolution.
func (s *CollabService) DetectConflicts(ctx context.Context, documentID string, ops []engine.Operation) ([]*engine.Conflict, error) {
	ctx, span := middleware.StartSpan(ctx, "CollabService.DetectConflicts",
		attribute.String("document.id", documentID),
		attribute.Int("operations", len(ops)),
	)
	defer span.End()

	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	conflicts := ws.Resolver.DetectConflicts(ops)
	for _, c := range conflicts {
		if err := ws.Resolver.AddConflict(c); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, err
		}
		metrics.RecordConflict(string(c.Strategy), "detected")
	}
	return conflicts, nil
}

// ResolveConflict runs the conflict's strategy and persists the version
// snapshot the resolution produced.
func (s *CollabService) ResolveConflict(ctx context.Context, documentID string, conflictID uuid.UUID) (*engine.Conflict, error) {
	ctx, span := middleware.StartSpan(ctx, "CollabService.ResolveConflict",
		attribute.String("document.id", documentID),
		attribute.String("conflict.id", conflictID.String()),
	)
	defer span.End()

	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	c, err := ws.Resolver.Get(conflictID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	start := time.Now()
	if err := ws.Resolver.Resolve(conflictID); err != nil {
		metrics.RecordConflict(string(c.Strategy), "failed")
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	metrics.ObserveTransform(time.Since(start).Seconds())
	metrics.RecordConflict(string(c.Strategy), "resolved")

	if err := s.persistLatestVersion(ctx, documentID, ws); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return c, nil
}

// ResolveManually applies operator-chosen operations for a manual
// conflict.
func (s *CollabService) ResolveManually(ctx context.Context, documentID string, conflictID uuid.UUID, resolved []engine.Operation) (*engine.Conflict, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := ws.Resolver.ResolveManually(conflictID, resolved); err != nil {
		metrics.RecordConflict(string(engine.StrategyManual), "failed")
		return nil, err
	}
	metrics.RecordConflict(string(engine.StrategyManual), "resolved")

	if err := s.persistLatestVersion(ctx, documentID, ws); err != nil {
		return nil, err
	}
	return ws.Resolver.Get(conflictID)
}

// UnresolvedConflicts lists a document's open conflicts.
func (s *CollabService) UnresolvedConflicts(ctx context.Context, documentID string) ([]*engine.Conflict, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.Resolver.Unresolved(), nil
}

// SetUserPriority sets an explicit priority for the user_priority
// strategy.
func (s *CollabService) SetUserPriority(ctx context.Context, documentID, userID string, priority int) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	ws.Resolver.SetUserPriority(userID, priority)
	return nil
}

// CreateVersion snapshots the current document state and persists it.
func (s *CollabService) CreateVersion(ctx context.Context, documentID, author, commitMessage string) (*engine.DocumentVersion, error) {
	ctx, span := middleware.StartSpan(ctx, "CollabService.CreateVersion",
		attribute.String("document.id", documentID))
	defer span.End()

	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	v, err := ws.Versions.CreateVersion(author, commitMessage, nil)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	if err := s.storeVersion(ctx, documentID, ws, v); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}
	return v, nil
}

// persistLatestVersion stores the newest engine version snapshot when
// the repository does not have it yet (resolution snapshots are created
// inside the resolver).
func (s *CollabService) persistLatestVersion(ctx context.Context, documentID string, ws *Workspace) error {
	v := ws.Versions.LatestVersion()
	if v == nil {
		return nil
	}
	if _, err := s.verRepo.GetByID(ctx, v.ID); err == nil {
		return nil
	}
	return s.storeVersion(ctx, documentID, ws, v)
}

// storeVersion persists a snapshot with the checkpoint state a rebuild
// needs, then compacts the operation log down to the configured cap.
// Trimming after a snapshot is safe: every trimmed record is at or
// below the snapshot's document version, and replay skips those anyway.
func (s *CollabService) storeVersion(ctx context.Context, documentID string, ws *Workspace, v *engine.DocumentVersion) error {
	ops, err := json.Marshal(v.Operations)
	if err != nil {
		return fmt.Errorf("encode version operations: %w", err)
	}
	vec, err := json.Marshal(ws.Replica.Vector())
	if err != nil {
		return fmt.Errorf("encode version vector: %w", err)
	}
	rec := &models.VersionRecord{
		ID:               v.ID,
		DocumentID:       documentID,
		VersionNumber:    v.VersionNumber,
		Content:          v.Content,
		Operations:       ops,
		Author:           v.Author,
		CommitMessage:    v.CommitMessage,
		ConflictMetadata: v.ConflictMetadata,
		DocVersion:       v.DocVersion,
		Vector:           vec,
		CreatedAt:        v.CreatedAt,
	}
	if err := s.verRepo.Store(ctx, rec); err != nil {
		return err
	}
	if s.opts.OperationTrimCap > 0 {
		if err := s.opRepo.Trim(ctx, documentID, s.opts.OperationTrimCap); err != nil {
			s.log.Warn("operation log trim failed",
				"document_id", documentID,
				"error", err)
		}
	}
	return nil
}

// GetVersion returns one engine version snapshot by number.
func (s *CollabService) GetVersion(ctx context.Context, documentID string, number uint64) (*engine.DocumentVersion, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.Versions.GetVersion(number)
}

// ListVersions returns a document's version history.
func (s *CollabService) ListVersions(ctx context.Context, documentID string) ([]*engine.DocumentVersion, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.Versions.ListVersions(), nil
}

// CompareVersions diffs two version numbers.
func (s *CollabService) CompareVersions(ctx context.Context, documentID string, a, b uint64) (*engine.VersionDiff, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return ws.Versions.Compare(a, b)
}

// CreateBranch points a named branch at a version.
func (s *CollabService) CreateBranch(ctx context.Context, documentID, name string, version uint64) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	return ws.Versions.CreateBranch(name, version)
}

// CreateTag pins an immutable tag to a version.
func (s *CollabService) CreateTag(ctx context.Context, documentID, name string, version uint64) error {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	return ws.Versions.CreateTag(name, version)
}

// MergeBranches merges one branch into another and emits the result.
func (s *CollabService) MergeBranches(ctx context.Context, documentID, source, target string) (*engine.MergeResult, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}
	res, err := ws.Versions.MergeBranches(source, target)
	if err != nil {
		return nil, err
	}
	if err := ws.Emitter.Emit("MergeResult", res); err != nil {
		s.log.Warn("dropping event",
			"event_type", "MergeResult",
			"document_id", documentID,
			"error", err)
	}
	return res, nil
}

// OperationsSince returns the persisted operations a client with the
// given version vector has not observed yet, in apply order. Operations
// ship with the current server vector so they re-apply without
// transformation.
func (s *CollabService) OperationsSince(ctx context.Context, documentID string, since engine.VersionVector) ([]engine.RemoteOperation, error) {
	ws, err := s.Workspace(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var records []*models.OperationRecord
	seen := make(map[string]bool)
	collect := func(actorID string, afterSeq uint64) error {
		recs, err := s.opRepo.GetSince(ctx, documentID, actorID, afterSeq)
		if err != nil {
			return err
		}
		records = append(records, recs...)
		return nil
	}
	for actor := range ws.Replica.Vector() {
		seen[actor] = true
		if err := collect(actor, since.Get(actor)); err != nil {
			return nil, err
		}
	}
	for actor := range since {
		if !seen[actor] {
			if err := collect(actor, since.Get(actor)); err != nil {
				return nil, err
			}
		}
	}
	// DocVersion is the apply order; shipped operations must arrive in
	// it so clients can apply them verbatim.
	sort.Slice(records, func(i, j int) bool {
		return records[i].DocVersion < records[j].DocVersion
	})

	vector := ws.Replica.Vector()
	rops := make([]engine.RemoteOperation, 0, len(records))
	for _, rec := range records {
		var op engine.Operation
		if err := json.Unmarshal(rec.Payload, &op); err != nil {
			return nil, fmt.Errorf("decode operation %s: %w", rec.ID, err)
		}
		rops = append(rops, engine.RemoteOperation{
			Op:       op,
			Seq:      rec.Seq,
			Observed: vector,
		})
	}
	return rops, nil
}

// SweepPresence expires stale presence entries across open workspaces.
// Returns the number of entries removed.
func (s *CollabService) SweepPresence(timeout time.Duration) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, ws := range s.workspaces {
		total += ws.Presence.Sweep(timeout)
	}
	return total
}

// Shutdown closes all workspaces.
func (s *CollabService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ws := range s.workspaces {
		ws.Emitter.Close()
		delete(s.workspaces, id)
	}
	s.registryEvents.Close()
}
