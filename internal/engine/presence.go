package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// QoS tiers. Lower is more important; tier 0 actors win conflict-resolution
// ties against tier 1 and 2.
const (
	QoSCritical = 0
	QoSMedium   = 1
	QoSLow      = 2
)

// SelectionRange is an optional selected span of text.
type SelectionRange struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Presence is ephemeral per-user editing state: cursor, selection and
// activity. It carries no authority over document content, only over
// conflict-resolution ordering via the QoS tier.
type Presence struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Cursor      Position        `json:"cursor_position"`
	Selection   *SelectionRange `json:"selection_range,omitempty"`
	LastSeen    time.Time       `json:"last_seen"`
	IsTyping    bool            `json:"is_typing"`
	QoSTier     int             `json:"qos_tier"`
}

// PresenceTracker holds the presence records for one document. Entries are
// created on first update and removed by the periodic Sweep once their
// inactivity exceeds the timeout; no explicit destroy call is required.
// Presence updates are independent of document content and safe to process
// concurrently with document operations.
type PresenceTracker struct {
	mu         sync.RWMutex
	documentID string
	entries    map[string]*Presence
	emitter    *Emitter
	now        func() time.Time
}

// NewPresenceTracker creates an empty tracker for a document.
func NewPresenceTracker(documentID string) *PresenceTracker {
	return &PresenceTracker{
		documentID: documentID,
		entries:    make(map[string]*Presence),
		now:        time.Now,
	}
}

// SetEmitter wires the outbound event stream. Optional.
func (t *PresenceTracker) SetEmitter(e *Emitter) { t.emitter = e }

// Update upserts the presence record for a user and refreshes last_seen.
func (t *PresenceTracker) Update(userID, displayName string, cursor Position, selection *SelectionRange, isTyping bool) {
	t.mu.Lock()
	p, ok := t.entries[userID]
	if !ok {
		p = &Presence{UserID: userID, QoSTier: QoSLow}
		t.entries[userID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	p.Cursor = cursor
	p.Selection = selection
	p.IsTyping = isTyping
	p.LastSeen = t.now()
	snapshot := *p
	t.mu.Unlock()

	if t.emitter != nil {
		t.emitter.Emit(EventPresenceUpdated, map[string]any{
			"document_id": t.documentID,
			"user_id":     snapshot.UserID,
			"cursor":      snapshot.Cursor,
			"is_typing":   snapshot.IsTyping,
			"qos_tier":    snapshot.QoSTier,
		})
	}
}

// SetQoSTier sets the user's priority class (0=critical, 1=medium, 2=low).
func (t *PresenceTracker) SetQoSTier(userID string, tier int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[userID]
	if !ok {
		p = &Presence{UserID: userID}
		t.entries[userID] = p
		p.LastSeen = t.now()
	}
	p.QoSTier = tier
}

// Get returns a copy of the user's presence record.
func (t *PresenceTracker) Get(userID string) (Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[userID]
	if !ok {
		return Presence{}, false
	}
	return *p, true
}

// QoSTier returns the user's tier, defaulting to low for unknown users.
func (t *PresenceTracker) QoSTier(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.entries[userID]; ok {
		return p.QoSTier
	}
	return QoSLow
}

// List returns copies of all presence records.
func (t *PresenceTracker) List() []Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Presence, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, *p)
	}
	return out
}

// ActiveCount returns the number of tracked users.
func (t *PresenceTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Remove drops a user's presence record, e.g. on an explicit leave.
func (t *PresenceTracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, userID)
}

// Sweep removes entries whose last_seen exceeds the timeout and returns
// how many were dropped. Invoked periodically by the owning process.
func (t *PresenceTracker) Sweep(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	removed := 0
	for id, p := range t.entries {
		if p.LastSeen.Before(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Serialize encodes all presence records for the persistence collaborator.
func (t *PresenceTracker) Serialize() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(t.entries)
}

// RestorePresence loads serialized presence records into a fresh tracker.
func RestorePresence(documentID string, data []byte) (*PresenceTracker, error) {
	t := NewPresenceTracker(documentID)
	if err := json.Unmarshal(data, &t.entries); err != nil {
		return nil, fmt.Errorf("decode presence state: %w", err)
	}
	return t, nil
}
