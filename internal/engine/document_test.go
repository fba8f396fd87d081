package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentApplyInsert(t *testing.T) {
	doc := NewDocument("d1", "Hello World")

	require.NoError(t, doc.Apply(NewInsert(Position{0, 5}, ",", "alice", time.Now())))
	assert.Equal(t, "Hello, World", doc.Content())
	assert.Equal(t, uint64(1), doc.Version())

	require.NoError(t, doc.Apply(NewInsert(Position{0, 12}, "\nbye", "alice", time.Now())))
	assert.Equal(t, "Hello, World\nbye", doc.Content())
	assert.Equal(t, uint64(2), doc.Version())
}

func TestDocumentApplyDelete(t *testing.T) {
	doc := NewDocument("d1", "one\ntwo\nthree")

	del, err := NewDelete(Position{0, 3}, Position{1, 3}, "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, doc.Apply(del))
	assert.Equal(t, "one\nthree", doc.Content())
}

func TestDocumentApplyReplace(t *testing.T) {
	doc := NewDocument("d1", "Hello World")

	rep, err := NewReplace(Position{0, 6}, Position{0, 11}, "Go", "bob", time.Now())
	require.NoError(t, err)
	require.NoError(t, doc.Apply(rep))
	assert.Equal(t, "Hello Go", doc.Content())
}

func TestDocumentApplyInvalidPositionLeavesStateUntouched(t *testing.T) {
	doc := NewDocument("d1", "short")
	require.NoError(t, doc.Apply(NewInsert(Position{0, 0}, "a ", "alice", time.Now())))

	err := doc.Apply(NewInsert(Position{4, 0}, "x", "alice", time.Now()))
	require.ErrorIs(t, err, ErrInvalidPosition)
	assert.Equal(t, "a short", doc.Content())
	assert.Equal(t, uint64(1), doc.Version())
	assert.Len(t, doc.Log(), 1)
}

func TestDocumentContentAtReplaysHistory(t *testing.T) {
	doc := NewDocument("d1", "base")
	require.NoError(t, doc.Apply(NewInsert(Position{0, 4}, "!", "a", time.Now())))
	del, err := NewDelete(Position{0, 0}, Position{0, 2}, "a", time.Now())
	require.NoError(t, err)
	require.NoError(t, doc.Apply(del))

	at0, err := doc.ContentAt(0)
	require.NoError(t, err)
	assert.Equal(t, "base", at0)

	at1, err := doc.ContentAt(1)
	require.NoError(t, err)
	assert.Equal(t, "base!", at1)

	at2, err := doc.ContentAt(2)
	require.NoError(t, err)
	assert.Equal(t, "se!", at2)
	assert.Equal(t, doc.Content(), at2)

	_, err = doc.ContentAt(9)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestDocumentOperationsSince(t *testing.T) {
	doc := NewDocument("d1", "")
	for i := 0; i < 3; i++ {
		require.NoError(t, doc.Apply(NewInsert(Position{0, i}, "x", "a", time.Now())))
	}

	assert.Len(t, doc.OperationsSince(0), 3)
	assert.Len(t, doc.OperationsSince(2), 1)
	assert.Nil(t, doc.OperationsSince(3))
}

func TestDocumentSerializeRoundTrip(t *testing.T) {
	doc := NewDocument("d1", "Hello")
	require.NoError(t, doc.Apply(NewInsert(Position{0, 5}, " World", "alice", time.Unix(100, 0).UTC())))

	data, err := doc.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeDocument(data)
	require.NoError(t, err)
	assert.Equal(t, doc.ID(), restored.ID())
	assert.Equal(t, doc.Content(), restored.Content())
	assert.Equal(t, doc.Version(), restored.Version())
	assert.Equal(t, doc.EventVersion(), restored.EventVersion())

	// History replay still works on the restored copy.
	at0, err := restored.ContentAt(0)
	require.NoError(t, err)
	assert.Equal(t, "Hello", at0)

	// The restored copy is independently mutable.
	require.NoError(t, restored.Apply(NewInsert(Position{0, 11}, "!", "alice", time.Now())))
	assert.Equal(t, "Hello World!", restored.Content())
	assert.Equal(t, "Hello World", doc.Content())
}

func TestDeserializeDocumentRejectsGarbage(t *testing.T) {
	_, err := DeserializeDocument([]byte("{not json"))
	require.Error(t, err)
}

func TestDocumentFromCheckpoint(t *testing.T) {
	doc := NewDocumentAt("d1", "Hello World", 2)
	assert.Equal(t, "Hello World", doc.Content())
	assert.Equal(t, uint64(2), doc.Version())

	require.NoError(t, doc.Apply(NewInsert(Position{0, 11}, "!", "a", time.Now())))
	assert.Equal(t, uint64(3), doc.Version())

	// History at and past the checkpoint replays; older versions are gone.
	at2, err := doc.ContentAt(2)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", at2)
	at3, err := doc.ContentAt(3)
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", at3)
	_, err = doc.ContentAt(1)
	require.ErrorIs(t, err, ErrVersionNotFound)

	assert.Len(t, doc.OperationsSince(2), 1)
	assert.Nil(t, doc.OperationsSince(3))
	assert.Len(t, doc.OperationsSince(0), 1, "pre-checkpoint history is not replayable")
}
