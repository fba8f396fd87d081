package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyTimestampOrder applies operations in timestamp order,
	// transforming each against the previously applied ones.
	StrategyTimestampOrder Strategy = "timestamp_order"
	// StrategyUserPriority orders by QoS tier, then explicit priority.
	StrategyUserPriority Strategy = "user_priority"
	// StrategyMerge orders by position; used for non-destructive sets.
	StrategyMerge Strategy = "merge"
	// StrategyManual defers to an external decision.
	StrategyManual Strategy = "manual"
)

// TransformationRecord captures one transform step for the audit trail.
type TransformationRecord struct {
	Original    Operation `json:"original_operation"`
	Transformed Operation `json:"transformed_operation"`
	Type        string    `json:"transformation_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConflictMetadata describes how a conflict was detected and reconciled.
type ConflictMetadata struct {
	DetectionMethod       string                 `json:"detection_method"`
	OverlapChars          int                    `json:"overlap_chars"`
	TransformationHistory []TransformationRecord `json:"transformation_history"`
	ResolutionDetails     string                 `json:"resolution_details,omitempty"`
}

// Conflict is a set of operations with overlapping ranges awaiting
// reconciliation. Once resolved and recorded into a DocumentVersion it is
// archived.
type Conflict struct {
	ID                 uuid.UUID        `json:"id"`
	DocumentID         string           `json:"document_id"`
	Operations         []Operation      `json:"conflicting_operations"`
	Strategy           Strategy         `json:"strategy"`
	Resolved           bool             `json:"resolved"`
	ResolvedOperations []Operation      `json:"resolved_operations,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Metadata           ConflictMetadata `json:"metadata"`
}

// VersionRecorder is what the resolver needs from the version manager: a
// resolved conflict must always be durably recorded as a new version.
type VersionRecorder interface {
	RecordResolution(c *Conflict, content string) (*DocumentVersion, error)
}

// Resolver detects conflicts between concurrent operations and reconciles
// them through operational transformation. Priority ties consult the
// presence tracker's QoS tiers; resolved conflicts are handed to the
// version manager.
type Resolver struct {
	mu sync.Mutex

	doc        *Document
	presence   *PresenceTracker
	versions   VersionRecorder
	emitter    *Emitter
	strategy   Strategy
	priorities map[string]int

	conflicts     map[uuid.UUID]*Conflict
	manualPending []uuid.UUID
	manualLimit   int
}

// NewResolver creates a resolver bound to a document. The default
// strategy is timestamp order and the manual queue holds 16 conflicts
// unless overridden.
func NewResolver(doc *Document) *Resolver {
	return &Resolver{
		doc:         doc,
		strategy:    StrategyTimestampOrder,
		priorities:  make(map[string]int),
		conflicts:   make(map[uuid.UUID]*Conflict),
		manualLimit: 16,
	}
}

// SetPresence wires the presence tracker used for QoS-based priority.
func (r *Resolver) SetPresence(p *PresenceTracker) { r.presence = p }

// SetVersionRecorder wires the version manager. Mandatory before Resolve.
func (r *Resolver) SetVersionRecorder(v VersionRecorder) { r.versions = v }

// SetEmitter wires the outbound event stream. Optional.
func (r *Resolver) SetEmitter(e *Emitter) { r.emitter = e }

// SetDefaultStrategy overrides the strategy assigned to detected conflicts.
func (r *Resolver) SetDefaultStrategy(s Strategy) { r.strategy = s }

// SetManualQueueLimit bounds the number of conflicts awaiting manual
// resolution.
func (r *Resolver) SetManualQueueLimit(n int) { r.manualLimit = n }

// SetUserPriority sets an actor's explicit priority (higher wins within a
// QoS tier).
func (r *Resolver) SetUserPriority(actorID string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priorities[actorID] = priority
}

// EffectivePriority combines the explicit priority with the QoS tier
// boost: critical +100, medium +50, low +0.
func (r *Resolver) EffectivePriority(actorID string) int {
	r.mu.Lock()
	base := r.priorities[actorID]
	r.mu.Unlock()

	boost := 0
	if r.presence != nil {
		switch r.presence.QoSTier(actorID) {
		case QoSCritical:
			boost = 100
		case QoSMedium:
			boost = 50
		}
	}
	return base + boost
}

// DetectConflicts returns a Conflict for every pair of operations whose
// addressed ranges overlap. Inserts are zero-width ranges at their
// position; Delete/Replace use [start, end).
func (r *Resolver) DetectConflicts(ops []Operation) []*Conflict {
	var out []*Conflict
	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			if !rangesOverlap(ops[i], ops[j]) {
				continue
			}
			out = append(out, &Conflict{
				ID:         uuid.New(),
				DocumentID: r.doc.ID(),
				Operations: []Operation{ops[i], ops[j]},
				Strategy:   r.strategy,
				CreatedAt:  time.Now(),
				Metadata: ConflictMetadata{
					DetectionMethod: "range_overlap",
					OverlapChars:    r.overlapChars(ops[i], ops[j]),
				},
			})
		}
	}
	return out
}

// rangesOverlap implements the overlap test on half-open ranges: the
// ranges are disjoint only when one ends strictly before the other starts.
func rangesOverlap(a, b Operation) bool {
	aStart, aEnd := a.Range()
	bStart, bEnd := b.Range()
	return !(aEnd.Before(bStart) || bEnd.Before(aStart))
}

// overlapChars flattens the intersection of the two ranges to a character
// count against current content. Zero when either range is out of bounds.
func (r *Resolver) overlapChars(a, b Operation) int {
	aStart, aEnd := a.Range()
	bStart, bEnd := b.Range()
	start, end := aStart, aEnd
	if start.Before(bStart) {
		start = bStart
	}
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return 0
	}
	return rangeLength(r.doc.Content(), start, end)
}

// AddConflict registers a conflict for later resolution. Manual-strategy
// conflicts join a bounded queue; exceeding the limit fails with
// ErrOperationConflict instead of blocking.
func (r *Resolver) AddConflict(c *Conflict) error {
	r.mu.Lock()
	if c.Strategy == StrategyManual {
		if len(r.manualPending) >= r.manualLimit {
			r.mu.Unlock()
			return fmt.Errorf("%w: manual queue full (%d pending)", ErrOperationConflict, r.manualLimit)
		}
		r.manualPending = append(r.manualPending, c.ID)
	}
	r.conflicts[c.ID] = c
	r.mu.Unlock()

	if r.emitter != nil {
		r.emitter.Emit(EventConflictDetected, map[string]any{
			"document_id": c.DocumentID,
			"conflict":    c,
		})
	}
	return nil
}

// Get returns the conflict with the given ID.
func (r *Resolver) Get(id uuid.UUID) (*Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return c, nil
}

// Unresolved returns the conflicts still awaiting resolution.
func (r *Resolver) Unresolved() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conflict
	for _, c := range r.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingManual returns the number of conflicts queued for manual
// resolution.
func (r *Resolver) PendingManual() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.manualPending)
}

// Transform adjusts a for the prior application of b. Fails with
// ErrTransformationError when either operation addresses positions outside
// the current document bounds.
func (r *Resolver) Transform(a, b Operation) (Operation, error) {
	if err := r.validateBounds(a); err != nil {
		return Operation{}, err
	}
	if err := r.validateBounds(b); err != nil {
		return Operation{}, err
	}
	out, _ := Transform(a, b)
	return out, nil
}

func (r *Resolver) validateBounds(op Operation) error {
	content := r.doc.Content()
	start, end := op.Range()
	if _, err := offsetOf(content, start); err != nil {
		return fmt.Errorf("%w: %v", ErrTransformationError, err)
	}
	if _, err := offsetOf(content, end); err != nil {
		return fmt.Errorf("%w: %v", ErrTransformationError, err)
	}
	return nil
}

// Resolve reconciles a conflict with its assigned strategy. Resolving an
// already-resolved conflict is a no-op. Manual conflicts cannot be
// resolved here and fail with ErrOperationConflict; a transform failure
// reassigns the conflict to the manual queue rather than aborting the
// caller's pipeline.
func (r *Resolver) Resolve(id uuid.UUID) error {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if c.Resolved {
		r.mu.Unlock()
		return nil
	}
	if c.Strategy == StrategyManual {
		r.mu.Unlock()
		return fmt.Errorf("%w: conflict %s requires manual resolution", ErrOperationConflict, id)
	}
	ordered := r.orderOperations(c)
	r.mu.Unlock()

	resolved, err := r.transformSequence(c, ordered)
	if err != nil {
		return r.flagManual(c, err)
	}
	return r.finishResolution(c, resolved, string(c.Strategy))
}

// ResolveManually supplies the externally decided operation sequence for a
// conflict surfaced to the owning application.
func (r *Resolver) ResolveManually(id uuid.UUID, resolved []Operation) error {
	r.mu.Lock()
	c, ok := r.conflicts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if c.Resolved {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.finishResolution(c, resolved, "manual")
}

// orderOperations sorts the conflicting operations per strategy. Callers
// hold r.mu.
func (r *Resolver) orderOperations(c *Conflict) []Operation {
	ops := make([]Operation, len(c.Operations))
	copy(ops, c.Operations)

	switch c.Strategy {
	case StrategyUserPriority:
		sort.SliceStable(ops, func(i, j int) bool {
			var ti, tj = QoSLow, QoSLow
			if r.presence != nil {
				ti = r.presence.QoSTier(ops[i].ActorID)
				tj = r.presence.QoSTier(ops[j].ActorID)
			}
			if ti != tj {
				return ti < tj // tier 0 outranks tier 1 outranks tier 2
			}
			pi, pj := r.priorities[ops[i].ActorID], r.priorities[ops[j].ActorID]
			if pi != pj {
				return pi > pj
			}
			return opSortsBefore(ops[i], ops[j])
		})
	case StrategyMerge:
		sort.SliceStable(ops, func(i, j int) bool {
			cmp := ops[i].StartPos().Compare(ops[j].StartPos())
			if cmp != 0 {
				return cmp < 0
			}
			return opSortsBefore(ops[i], ops[j])
		})
	default: // timestamp order
		sort.SliceStable(ops, func(i, j int) bool {
			return opSortsBefore(ops[i], ops[j])
		})
	}
	return ops
}

// transformSequence applies the earliest operation verbatim and transforms
// each subsequent one against all previously accepted operations,
// recording every step.
func (r *Resolver) transformSequence(c *Conflict, ordered []Operation) ([]Operation, error) {
	resolved := make([]Operation, 0, len(ordered))
	for _, op := range ordered {
		adjusted := op
		for _, prior := range resolved {
			if err := r.validateBounds(prior); err != nil {
				return nil, err
			}
			next, label := Transform(adjusted, prior)
			r.recordTransformation(c, adjusted, next, label)
			adjusted = next
		}
		resolved = append(resolved, adjusted)
	}
	return resolved, nil
}

func (r *Resolver) recordTransformation(c *Conflict, original, transformed Operation, label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Metadata.TransformationHistory = append(c.Metadata.TransformationHistory, TransformationRecord{
		Original:    original,
		Transformed: transformed,
		Type:        label,
		Timestamp:   time.Now(),
	})
}

// flagManual reassigns a conflict whose automatic resolution failed to the
// manual queue. The transform error is returned so the caller can log it;
// the apply pipeline itself continues.
func (r *Resolver) flagManual(c *Conflict, cause error) error {
	r.mu.Lock()
	if len(r.manualPending) >= r.manualLimit {
		r.mu.Unlock()
		return fmt.Errorf("%w: manual queue full after transform failure: %v", ErrOperationConflict, cause)
	}
	c.Strategy = StrategyManual
	c.Metadata.ResolutionDetails = fmt.Sprintf("automatic resolution failed: %v", cause)
	r.manualPending = append(r.manualPending, c.ID)
	r.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrTransformationError, cause)
}

// finishResolution marks the conflict resolved, records it through the
// version manager and emits ConflictResolved. The version-manager linkage
// is mandatory: a resolved conflict is always durably recorded.
func (r *Resolver) finishResolution(c *Conflict, resolved []Operation, details string) error {
	now := time.Now()
	r.mu.Lock()
	c.ResolvedOperations = resolved
	c.Resolved = true
	c.ResolvedAt = &now
	c.Metadata.ResolutionDetails = details
	for i, id := range r.manualPending {
		if id == c.ID {
			r.manualPending = append(r.manualPending[:i], r.manualPending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.versions != nil {
		if _, err := r.versions.RecordResolution(c, r.doc.Content()); err != nil {
			return fmt.Errorf("record resolution: %w", err)
		}
	}
	if r.emitter != nil {
		r.emitter.Emit(EventConflictResolved, map[string]any{
			"document_id":         c.DocumentID,
			"conflict_id":         c.ID,
			"resolved_operations": resolved,
		})
	}
	return nil
}
