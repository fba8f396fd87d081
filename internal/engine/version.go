package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DocumentVersion is an immutable snapshot: full content plus the
// operations applied since the previous version. Never mutated after
// creation and safe to share read-only across any number of readers.
type DocumentVersion struct {
	ID            uuid.UUID `json:"id"`
	DocumentID    string    `json:"document_id"`
	VersionNumber uint64    `json:"version_number"`
	Content       string    `json:"content"`
	// DocVersion is the document's operation count at snapshot time;
	// Content is the exact text after that many operations. Log
	// compaction keeps only operations past the newest snapshot's
	// DocVersion.
	DocVersion       uint64          `json:"document_version"`
	Operations       []Operation     `json:"operations_since_previous"`
	Author           string          `json:"author"`
	CreatedAt        time.Time       `json:"created_at"`
	CommitMessage    string          `json:"commit_message,omitempty"`
	ConflictMetadata json.RawMessage `json:"conflict_metadata,omitempty"`
}

// VersionDiff is the structural difference between two versions: the
// operations separating them plus any conflict metadata recorded along
// the way. This is the audit trail for how concurrent edits were
// reconciled.
type VersionDiff struct {
	VersionA        uint64            `json:"version_a"`
	VersionB        uint64            `json:"version_b"`
	Operations      []Operation       `json:"operations"`
	ConflictHistory []json.RawMessage `json:"conflict_history,omitempty"`
}

// MergeResult reports a branch merge.
type MergeResult struct {
	SourceBranch  string `json:"source_branch"`
	TargetBranch  string `json:"target_branch"`
	MergedVersion uint64 `json:"merged_version"`
}

// VersionManager owns the immutable version history of one document:
// numbered snapshots, named branches (mutable pointers) and tags
// (write-once pointers). The "main" branch tracks the newest version.
type VersionManager struct {
	mu sync.RWMutex

	doc      *Document
	versions map[uint64]*DocumentVersion
	current  uint64
	next     uint64
	branches map[string]uint64
	tags     map[string]uint64

	// doc.Version at the last snapshot, for operations_since_previous.
	snapshotMark uint64
	// conflict ID -> version number, so re-recording a resolved conflict
	// never creates a duplicate version.
	recorded map[uuid.UUID]uint64

	emitter *Emitter
}

// NewVersionManager creates a manager for a document with an empty history
// and a "main" branch.
func NewVersionManager(doc *Document) *VersionManager {
	return &VersionManager{
		doc:      doc,
		versions: make(map[uint64]*DocumentVersion),
		next:     1,
		branches: map[string]uint64{"main": 0},
		tags:     make(map[string]uint64),
		recorded: make(map[uuid.UUID]uint64),
	}
}

// SetEmitter wires the outbound event stream. Optional.
func (m *VersionManager) SetEmitter(e *Emitter) { m.emitter = e }

// CreateVersion snapshots current content plus the operations applied
// since the previous version, assigns the next version number and stores
// the snapshot immutably.
func (m *VersionManager) CreateVersion(author, commitMessage string, conflictMetadata json.RawMessage) (*DocumentVersion, error) {
	m.mu.Lock()
	content, docVersion := m.doc.Snapshot()
	ops := m.doc.OperationsSince(m.snapshotMark)
	// Cap the delta at the snapshotted version so an apply racing in
	// between cannot put an operation in Operations that Content lacks.
	if delta := docVersion - m.snapshotMark; uint64(len(ops)) > delta {
		ops = ops[:delta]
	}
	v := &DocumentVersion{
		ID:               uuid.New(),
		DocumentID:       m.doc.ID(),
		VersionNumber:    m.next,
		Content:          content,
		DocVersion:       docVersion,
		Operations:       ops,
		Author:           author,
		CreatedAt:        time.Now(),
		CommitMessage:    commitMessage,
		ConflictMetadata: conflictMetadata,
	}
	m.versions[v.VersionNumber] = v
	m.current = v.VersionNumber
	m.next++
	m.snapshotMark = docVersion
	m.branches["main"] = v.VersionNumber
	m.mu.Unlock()

	if m.emitter != nil {
		m.emitter.Emit(EventVersionCreated, map[string]any{
			"document_id":    v.DocumentID,
			"version_number": v.VersionNumber,
			"author":         v.Author,
		})
	}
	return v, nil
}

// conflictRecord is the conflict metadata stored with a resolution version.
type conflictRecord struct {
	ConflictID         uuid.UUID        `json:"conflict_id"`
	Strategy           Strategy         `json:"strategy"`
	ResolvedOperations []Operation      `json:"resolved_operations"`
	Metadata           ConflictMetadata `json:"metadata"`
}

// RecordResolution creates a version carrying the resolved conflict's
// metadata. Idempotent per conflict: recording the same conflict again
// returns the existing version instead of creating a duplicate.
func (m *VersionManager) RecordResolution(c *Conflict, content string) (*DocumentVersion, error) {
	m.mu.Lock()
	if n, ok := m.recorded[c.ID]; ok {
		v := m.versions[n]
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	meta, err := json.Marshal(conflictRecord{
		ConflictID:         c.ID,
		Strategy:           c.Strategy,
		ResolvedOperations: c.ResolvedOperations,
		Metadata:           c.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode conflict metadata: %w", err)
	}

	v, err := m.CreateVersion("system", fmt.Sprintf("conflict resolution %s", c.ID), meta)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.recorded[c.ID] = v.VersionNumber
	m.mu.Unlock()
	return v, nil
}

// GetVersion returns the snapshot with the given number.
func (m *VersionManager) GetVersion(n uint64) (*DocumentVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[n]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, n)
	}
	return v, nil
}

// LatestVersion returns the most recently created snapshot, or nil when
// no version exists yet.
func (m *VersionManager) LatestVersion() *DocumentVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[m.current]
}

// ListVersions returns all snapshots ordered by version number.
func (m *VersionManager) ListVersions() []*DocumentVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DocumentVersion, 0, len(m.versions))
	for _, v := range m.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out
}

// CreateBranch creates or reassigns a named pointer into version history.
func (m *VersionManager) CreateBranch(name string, versionNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[versionNumber]; !ok {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, versionNumber)
	}
	m.branches[name] = versionNumber
	return nil
}

// BranchVersion resolves a branch name to its version number.
func (m *VersionManager) BranchVersion(name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.branches[name]
	if !ok {
		return 0, fmt.Errorf("%w: branch %q", ErrVersionNotFound, name)
	}
	return n, nil
}

// CreateTag creates a write-once named pointer. Re-tagging an existing
// name fails with ErrTagExists.
func (m *VersionManager) CreateTag(name string, versionNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[name]; ok {
		return fmt.Errorf("%w: %q", ErrTagExists, name)
	}
	if _, ok := m.versions[versionNumber]; !ok {
		return fmt.Errorf("%w: %d", ErrVersionNotFound, versionNumber)
	}
	m.tags[name] = versionNumber
	return nil
}

// TagVersion resolves a tag name to its version number.
func (m *VersionManager) TagVersion(name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.tags[name]
	if !ok {
		return 0, fmt.Errorf("%w: tag %q", ErrVersionNotFound, name)
	}
	return n, nil
}

// Compare returns the structural diff between two versions: every
// operation recorded between them plus the conflict metadata of the
// versions in that interval.
func (m *VersionManager) Compare(a, b uint64) (*VersionDiff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.versions[a]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, a)
	}
	if _, ok := m.versions[b]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, b)
	}

	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	diff := &VersionDiff{VersionA: a, VersionB: b}
	for n := lo + 1; n <= hi; n++ {
		v, ok := m.versions[n]
		if !ok {
			continue
		}
		diff.Operations = append(diff.Operations, v.Operations...)
		if len(v.ConflictMetadata) > 0 {
			diff.ConflictHistory = append(diff.ConflictHistory, v.ConflictMetadata)
		}
	}
	return diff, nil
}

// MergeBranches points the target branch at the source branch's version.
func (m *VersionManager) MergeBranches(source, target string) (*MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcVersion, ok := m.branches[source]
	if !ok {
		return nil, fmt.Errorf("%w: branch %q", ErrVersionNotFound, source)
	}
	if _, ok := m.branches[target]; !ok {
		return nil, fmt.Errorf("%w: branch %q", ErrVersionNotFound, target)
	}
	m.branches[target] = srcVersion
	return &MergeResult{SourceBranch: source, TargetBranch: target, MergedVersion: srcVersion}, nil
}
