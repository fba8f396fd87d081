package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collab-engine/internal/engine"
	"collab-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventRepo struct {
	mu   sync.Mutex
	recs []*models.EventRecord
}

func (r *fakeEventRepo) Store(_ context.Context, rec *models.EventRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *fakeEventRepo) ListByDocument(_ context.Context, documentID string, limit int) ([]*models.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.EventRecord
	for _, rec := range r.recs {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) stored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func testEvent(eventType string) engine.Event {
	return engine.Event{
		ID:        "ev-1",
		EventType: eventType,
		Payload:   json.RawMessage(`{"document_id":"d1"}`),
		Version:   engine.EventVersion,
		CreatedAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEventStorePersistsSubmittedEvents(t *testing.T) {
	repo := &fakeEventRepo{}
	store := NewEventStore(repo, 2, 16, nil)
	store.Start()
	defer store.Shutdown()

	require.NoError(t, store.Submit(EventJob{DocumentID: "d1", Event: testEvent(engine.EventOperationApplied)}))
	require.NoError(t, store.Submit(EventJob{DocumentID: "d1", Event: testEvent(engine.EventVersionCreated)}))

	waitFor(t, func() bool { return repo.stored() == 2 })

	recs, err := repo.ListByDocument(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d1", recs[0].DocumentID)
	assert.Equal(t, engine.EventVersion, recs[0].Version)
}

func TestEventStoreSubscriberFeedsEmitter(t *testing.T) {
	repo := &fakeEventRepo{}
	store := NewEventStore(repo, 1, 16, nil)
	store.Start()
	defer store.Shutdown()

	emitter := engine.NewEmitter(nil, 8, nil)
	emitter.Subscribe(store.Subscriber("d1"))
	emitter.Start()
	defer emitter.Close()

	require.NoError(t, emitter.Emit(engine.EventPresenceUpdated, map[string]any{"document_id": "d1", "user_id": "alice"}))

	waitFor(t, func() bool { return repo.stored() == 1 })
	recs, _ := repo.ListByDocument(context.Background(), "d1", 10)
	assert.Equal(t, engine.EventPresenceUpdated, recs[0].EventType)
}

func TestEventStoreDropsOnFullQueue(t *testing.T) {
	repo := &fakeEventRepo{}
	// One-slot queue, workers never started: the second submit overflows.
	store := NewEventStore(repo, 1, 1, nil)

	require.NoError(t, store.Submit(EventJob{DocumentID: "d1", Event: testEvent("A")}))
	err := store.Submit(EventJob{DocumentID: "d1", Event: testEvent("B")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
	assert.Equal(t, 1, store.QueueLength())
}

func TestEventStoreRejectsAfterShutdown(t *testing.T) {
	repo := &fakeEventRepo{}
	store := NewEventStore(repo, 1, 4, nil)
	store.Start()
	store.Shutdown()

	err := store.Submit(EventJob{DocumentID: "d1", Event: testEvent("A")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutting down")
}
