package engine

import (
	"encoding/json"
	"fmt"
	"sync"
)

// EventVersion is the semantic version of the event payloads documents emit.
const EventVersion = "1.0.0"

// Document owns a content buffer, its operation history and a monotonic
// version counter. All mutation goes through Apply, which validates the
// operation against current bounds, mutates content in place, bumps the
// version and appends to the log. A Document is exclusively owned by a
// single replica; the mutex is the per-document serialization point so a
// second operation never reads partially-mutated content.
type Document struct {
	mu sync.Mutex

	id             string
	content        string
	initialContent string
	version        uint64
	log            []Operation
	eventVersion   string

	// baseVersion is the version the log starts at. Zero for documents
	// built from their original content; a checkpoint version for
	// documents rebuilt from a snapshot after log compaction. History
	// below the base is not replayable.
	baseVersion uint64
}

// NewDocument creates a document at version 0 with the given initial content.
func NewDocument(id, content string) *Document {
	return &Document{
		id:             id,
		content:        content,
		initialContent: content,
		eventVersion:   EventVersion,
	}
}

// NewDocumentAt creates a document from a checkpoint: content is the
// snapshotted text and version counts the operations already folded into
// it. Used to rebuild documents whose early log was compacted away.
func NewDocumentAt(id, content string, version uint64) *Document {
	return &Document{
		id:             id,
		content:        content,
		initialContent: content,
		version:        version,
		baseVersion:    version,
		eventVersion:   EventVersion,
	}
}

// ID returns the document identifier.
func (d *Document) ID() string { return d.id }

// Content returns the current content buffer.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Version returns the number of successfully applied operations.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// EventVersion returns the semantic version of emitted event payloads.
func (d *Document) EventVersion() string { return d.eventVersion }

// Log returns a copy of the applied-operation log.
func (d *Document) Log() []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Operation, len(d.log))
	copy(out, d.log)
	return out
}

// OperationsSince returns the operations applied after the given version.
// Versions below the log's base yield the whole retained log.
func (d *Document) OperationsSince(version uint64) []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := uint64(0)
	if version > d.baseVersion {
		idx = version - d.baseVersion
	}
	if idx >= uint64(len(d.log)) {
		return nil
	}
	out := make([]Operation, uint64(len(d.log))-idx)
	copy(out, d.log[idx:])
	return out
}

// Snapshot returns content and version as one consistent read, for
// checkpointing without racing a concurrent Apply between the two.
func (d *Document) Snapshot() (string, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content, d.version
}

// Apply validates op against the current content, mutates the buffer,
// increments the version and appends to the operation log. Fails with
// ErrInvalidPosition when a coordinate exceeds content bounds and
// ErrInvalidRange when start sorts after end; on failure the document is
// left at its last valid version.
func (d *Document) Apply(op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := applyToContent(d.content, op)
	if err != nil {
		return err
	}
	d.content = next
	d.version++
	d.log = append(d.log, op)
	return nil
}

// ContentAt reconstructs historical content by replaying the operation log
// from the initial content up to the given version. O(n) in history length;
// version-manager snapshots amortize this for hot paths.
func (d *Document) ContentAt(version uint64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if version > d.version {
		return "", fmt.Errorf("%w: %d (current %d)", ErrVersionNotFound, version, d.version)
	}
	if version < d.baseVersion {
		return "", fmt.Errorf("%w: %d predates checkpoint %d, history compacted", ErrVersionNotFound, version, d.baseVersion)
	}
	content := d.initialContent
	for i := d.baseVersion; i < version; i++ {
		next, err := applyToContent(content, d.log[i-d.baseVersion])
		if err != nil {
			// The log replayed cleanly once; failure here means the
			// history is corrupted.
			return "", fmt.Errorf("replay to version %d: %w", version, err)
		}
		content = next
	}
	return content, nil
}

func applyToContent(content string, op Operation) (string, error) {
	switch op.Kind {
	case OpInsert:
		off, err := offsetOf(content, op.Position)
		if err != nil {
			return "", err
		}
		return content[:off] + op.Text + content[off:], nil

	case OpDelete, OpReplace:
		if op.End.Before(op.Start) {
			return "", fmt.Errorf("%w: %s > %s", ErrInvalidRange, op.Start, op.End)
		}
		startOff, err := offsetOf(content, op.Start)
		if err != nil {
			return "", err
		}
		endOff, err := offsetOf(content, op.End)
		if err != nil {
			return "", err
		}
		text := ""
		if op.Kind == OpReplace {
			text = op.Text
		}
		return content[:startOff] + text + content[endOff:], nil

	default:
		return "", fmt.Errorf("%w: unknown operation kind %q", ErrTransformationError, op.Kind)
	}
}

// documentState is the serialized form for the persistence collaborator.
type documentState struct {
	ID             string      `json:"id"`
	Content        string      `json:"content"`
	InitialContent string      `json:"initial_content"`
	Version        uint64      `json:"version"`
	BaseVersion    uint64      `json:"base_version,omitempty"`
	Log            []Operation `json:"operation_log"`
	EventVersion   string      `json:"event_version"`
}

// Serialize encodes the full document state to an opaque byte form.
// Deserialize of the result reproduces identical state.
func (d *Document) Serialize() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(documentState{
		ID:             d.id,
		Content:        d.content,
		InitialContent: d.initialContent,
		Version:        d.version,
		BaseVersion:    d.baseVersion,
		Log:            d.log,
		EventVersion:   d.eventVersion,
	})
}

// DeserializeDocument restores a document from its serialized form.
func DeserializeDocument(data []byte) (*Document, error) {
	var s documentState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode document state: %w", err)
	}
	return &Document{
		id:             s.ID,
		content:        s.Content,
		initialContent: s.InitialContent,
		version:        s.Version,
		baseVersion:    s.BaseVersion,
		log:            s.Log,
		eventVersion:   s.EventVersion,
	}, nil
}
