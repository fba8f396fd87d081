package engine

import (
	"fmt"
	"sync"
)

// VersionVector maps actor IDs to the highest operation sequence number
// observed from that actor. It is the causal marker identifying which
// operations a sender had seen when it generated an edit; wall-clock
// timestamps are only a tie-break, never a causality proof.
type VersionVector map[string]uint64

// Get returns the observed sequence for an actor, zero when unknown.
func (v VersionVector) Get(actorID string) uint64 { return v[actorID] }

// Observe raises the actor's entry to seq if it is newer.
func (v VersionVector) Observe(actorID string, seq uint64) {
	if seq > v[actorID] {
		v[actorID] = seq
	}
}

// Clone returns an independent copy.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, s := range v {
		out[k] = s
	}
	return out
}

// RemoteOperation is an operation in transit between replicas: the edit
// itself, its per-actor sequence number and the sender's version vector at
// generation time (excluding the operation itself).
type RemoteOperation struct {
	Op       Operation     `json:"operation"`
	Seq      uint64        `json:"seq"`
	Observed VersionVector `json:"observed"`
}

// Replica wraps a causally tracked copy of a document for one actor. The
// local process owns it exclusively; replicas coordinate only by
// exchanging RemoteOperations, never shared memory. Operation application
// is a single atomic step under the replica mutex so a second operation
// never begins transformation against partially-mutated content.
//
// Convergence: a remote operation is transformed against every locally
// applied operation its sender had not yet observed before it touches the
// document, so any two replicas that have seen the same operation set
// reach byte-identical content regardless of delivery order.
type Replica struct {
	mu sync.Mutex

	actorID string
	doc     *Document
	vector  VersionVector
	seq     uint64

	// Applied operations in local order, kept in their locally
	// transformed form for transforming later arrivals.
	applied  []RemoteOperation
	outbound []RemoteOperation
	pending  []RemoteOperation
}

// NewReplica creates the replica for an actor over its owned document.
func NewReplica(actorID string, doc *Document) *Replica {
	return &Replica{
		actorID: actorID,
		doc:     doc,
		vector:  make(VersionVector),
	}
}

// ActorID returns the owning actor.
func (r *Replica) ActorID() string { return r.actorID }

// Document returns the replica's owned document.
func (r *Replica) Document() *Document { return r.doc }

// Content returns the current document content.
func (r *Replica) Content() string { return r.doc.Content() }

// Vector returns a copy of the replica's version vector.
func (r *Replica) Vector() VersionVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vector.Clone()
}

// ApplyLocal applies an edit by the owning actor immediately and marks it
// for outbound broadcast.
func (r *Replica) ApplyLocal(op Operation) (RemoteOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op.ActorID = r.actorID
	if err := r.doc.Apply(op); err != nil {
		return RemoteOperation{}, err
	}
	observed := r.vector.Clone()
	r.seq++
	r.vector.Observe(r.actorID, r.seq)

	rop := RemoteOperation{Op: op, Seq: r.seq, Observed: observed}
	r.applied = append(r.applied, rop)
	r.outbound = append(r.outbound, rop)
	return rop, nil
}

// ApplyRemote merges an operation from another replica. Duplicates are
// ignored; causally premature operations are buffered until their
// predecessors arrive; everything else is transformed against the local
// operations the sender had not observed, then applied.
func (r *Replica) ApplyRemote(rop RemoteOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.applyRemoteLocked(rop); err != nil {
		return err
	}
	return r.drainPendingLocked()
}

func (r *Replica) applyRemoteLocked(rop RemoteOperation) error {
	actor := rop.Op.ActorID
	if actor == r.actorID || rop.Seq <= r.vector.Get(actor) {
		return nil // already seen
	}
	if !r.readyLocked(rop) {
		r.pending = append(r.pending, rop)
		return nil
	}

	adjusted := rop.Op
	for _, h := range r.applied {
		if h.Op.ActorID == actor {
			continue
		}
		if h.Seq <= rop.Observed.Get(h.Op.ActorID) {
			continue // sender had already seen this one
		}
		adjusted, _ = Transform(adjusted, h.Op)
	}

	if err := r.doc.Apply(adjusted); err != nil {
		return fmt.Errorf("%w: apply remote op from %s: %v", ErrTransformationError, actor, err)
	}
	r.vector.Observe(actor, rop.Seq)
	r.applied = append(r.applied, RemoteOperation{Op: adjusted, Seq: rop.Seq, Observed: rop.Observed})
	return nil
}

// readyLocked checks causal delivery: the sender's previous operation must
// be in, as must everything the sender had observed from third actors.
func (r *Replica) readyLocked(rop RemoteOperation) bool {
	actor := rop.Op.ActorID
	if rop.Seq != r.vector.Get(actor)+1 {
		return false
	}
	for other, seq := range rop.Observed {
		if other == actor || other == r.actorID {
			continue
		}
		if r.vector.Get(other) < seq {
			return false
		}
	}
	return true
}

func (r *Replica) drainPendingLocked() error {
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		remaining := r.pending[:0]
		for _, rop := range r.pending {
			if r.readyLocked(rop) {
				if err := r.applyRemoteLocked(rop); err != nil {
					return err
				}
				progress = true
			} else if rop.Seq > r.vector.Get(rop.Op.ActorID) {
				remaining = append(remaining, rop)
			}
		}
		r.pending = remaining
	}
	return nil
}

// RestoreVector seeds the vector, and the replica's own sequence
// counter, from a persisted checkpoint. Call before restoring the log
// records that follow the checkpoint.
func (r *Replica) RestoreVector(v VersionVector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, seq := range v {
		r.vector.Observe(actor, seq)
	}
	if seq := v.Get(r.actorID); seq > r.seq {
		r.seq = seq
	}
}

// RestoreApplied re-applies a logged operation in its stored form,
// bypassing transformation and the duplicate check. The log keeps
// operations post-transform in apply order, so restoring them verbatim
// reproduces the replica byte for byte -- including operations the
// replica itself originated, which ApplyRemote would discard as echoes.
func (r *Replica) RestoreApplied(rop RemoteOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.Apply(rop.Op); err != nil {
		return fmt.Errorf("%w: restore op from %s: %v", ErrTransformationError, rop.Op.ActorID, err)
	}
	r.vector.Observe(rop.Op.ActorID, rop.Seq)
	if rop.Op.ActorID == r.actorID && rop.Seq > r.seq {
		r.seq = rop.Seq
	}
	r.applied = append(r.applied, rop)
	return nil
}

// AppliedCount returns how many operations have been applied locally.
func (r *Replica) AppliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

// AppliedSince returns the locally applied operations from index n onward,
// in apply order and in their transformed form. This is what persistence
// must store: replaying these verbatim reproduces the replica's content.
func (r *Replica) AppliedSince(n int) []RemoteOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.applied) {
		return nil
	}
	out := make([]RemoteOperation, len(r.applied)-n)
	copy(out, r.applied[n:])
	return out
}

// Outbound drains the queue of local operations awaiting broadcast.
func (r *Replica) Outbound() []RemoteOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outbound
	r.outbound = nil
	return out
}

// PendingCount reports buffered operations still awaiting causal
// predecessors.
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
