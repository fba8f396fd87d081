package schema

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userSchemaV1 = `{
	"type": "object",
	"properties": {
		"username": {"type": "string"},
		"email": {"type": "string"}
	},
	"required": ["username", "email"],
	"additionalProperties": false
}`

const userSchemaV2 = `{
	"type": "object",
	"properties": {
		"user_name": {"type": "string"},
		"email": {"type": "string"},
		"created_at": {"type": "string"}
	},
	"required": ["user_name", "email"],
	"additionalProperties": false
}`

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))

	s, err := r.Get("UserCreated", "1.0.0")
	require.NoError(t, err)
	assert.JSONEq(t, userSchemaV1, string(s.Definition))
	assert.False(t, s.Deprecated)

	_, err = r.Get("NoSuchType", "1.0.0")
	require.ErrorIs(t, err, ErrSchemaNotFound)

	_, err = r.Get("UserCreated", "9.0.0")
	require.ErrorIs(t, err, ErrVersionNotFound)

	_, err = r.Get("UserCreated", "not-a-version")
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	r := NewRegistry()

	err := r.Register("UserCreated", "one point oh", json.RawMessage(userSchemaV1))
	require.ErrorIs(t, err, ErrInvalidVersion)

	err = r.Register("UserCreated", "1.0.0", json.RawMessage(`{"type": 42}`))
	require.Error(t, err)
}

func TestRegisterNormalizesVersionKeys(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "v1.0", json.RawMessage(userSchemaV1)))

	// Lookup through any equivalent spelling resolves the same schema.
	s, err := r.Get("UserCreated", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))

	valid := json.RawMessage(`{"username": "gopher", "email": "gopher@example.com"}`)
	require.NoError(t, r.Validate("UserCreated", "1.0.0", valid))

	missing := json.RawMessage(`{"username": "gopher"}`)
	err := r.Validate("UserCreated", "1.0.0", missing)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "email")

	wrongType := json.RawMessage(`{"username": 7, "email": "gopher@example.com"}`)
	require.ErrorIs(t, r.Validate("UserCreated", "1.0.0", wrongType), ErrValidationFailed)

	require.ErrorIs(t, r.Validate("Unknown", "1.0.0", valid), ErrSchemaNotFound)
}

func TestDefaultSchemasRegistered(t *testing.T) {
	r := NewRegistry()

	types := r.EventTypes()
	for _, want := range []string{
		"ConflictDetected", "ConflictResolved", "OperationApplied",
		"PresenceUpdated", "VersionCreated", "MergeResult",
	} {
		assert.Contains(t, types, want)
	}

	latest, err := r.LatestVersion("ConflictDetected")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest)

	presence := json.RawMessage(`{
		"document_id": "d1",
		"user_id": "alice",
		"cursor": {"line": 0, "column": 4},
		"is_typing": true,
		"qos_tier": 2
	}`)
	require.NoError(t, r.Validate("PresenceUpdated", "1.0.0", presence))

	badPresence := json.RawMessage(`{"document_id": "d1", "user_id": "alice"}`)
	require.ErrorIs(t, r.Validate("PresenceUpdated", "1.0.0", badPresence), ErrValidationFailed)
}

func TestDeprecationWindow(t *testing.T) {
	r := NewRegistry()
	current := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return current }

	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))
	payload := json.RawMessage(`{"username": "gopher", "email": "g@example.com"}`)

	until := current.Add(30 * 24 * time.Hour)
	require.NoError(t, r.Deprecate("UserCreated", "1.0.0", &until))

	dep, err := r.IsDeprecated("UserCreated", "1.0.0")
	require.NoError(t, err)
	assert.True(t, dep)

	// Still validates during the sunset window.
	require.NoError(t, r.Validate("UserCreated", "1.0.0", payload))

	// Past the removal date the version is rejected.
	current = until.Add(time.Hour)
	require.ErrorIs(t, r.Validate("UserCreated", "1.0.0", payload), ErrSchemaDeprecated)
}

func TestDeprecateWithoutRemovalDateRejectsImmediately(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))
	require.NoError(t, r.Deprecate("UserCreated", "1.0.0", nil))

	payload := json.RawMessage(`{"username": "gopher", "email": "g@example.com"}`)
	require.ErrorIs(t, r.Validate("UserCreated", "1.0.0", payload), ErrSchemaDeprecated)
}

func TestTransformRoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))
	require.NoError(t, r.Register("UserCreated", "2.0.0", json.RawMessage(userSchemaV2)))

	rename := func(from, to string) TransformFunc {
		return func(payload json.RawMessage) (json.RawMessage, error) {
			var m map[string]json.RawMessage
			if err := json.Unmarshal(payload, &m); err != nil {
				return nil, err
			}
			m[to] = m[from]
			delete(m, from)
			delete(m, "created_at")
			return json.Marshal(m)
		}
	}
	require.NoError(t, r.RegisterTransformation("UserCreated", "1.0.0", "2.0.0", rename("username", "user_name")))
	require.NoError(t, r.RegisterTransformation("UserCreated", "2.0.0", "1.0.0", rename("user_name", "username")))

	v1Payload := json.RawMessage(`{"username": "gopher", "email": "g@example.com"}`)

	up, err := r.Transform("UserCreated", "1.0.0", "2.0.0", v1Payload)
	require.NoError(t, err)
	require.NoError(t, r.Validate("UserCreated", "2.0.0", up))

	down, err := r.Transform("UserCreated", "2.0.0", "1.0.0", up)
	require.NoError(t, err)
	require.NoError(t, r.Validate("UserCreated", "1.0.0", down))
	assert.JSONEq(t, string(v1Payload), string(down))
}

func TestTransformErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))
	require.NoError(t, r.Register("UserCreated", "2.0.0", json.RawMessage(userSchemaV2)))

	payload := json.RawMessage(`{"username": "gopher", "email": "g@example.com"}`)

	// No transformation registered for the pair.
	_, err := r.Transform("UserCreated", "1.0.0", "2.0.0", payload)
	require.ErrorIs(t, err, ErrVersionNotFound)

	// The function itself fails.
	require.NoError(t, r.RegisterTransformation("UserCreated", "1.0.0", "2.0.0",
		func(json.RawMessage) (json.RawMessage, error) { return nil, fmt.Errorf("boom") }))
	_, err = r.Transform("UserCreated", "1.0.0", "2.0.0", payload)
	require.ErrorIs(t, err, ErrTransformationFailed)

	// Output violating the target schema is rejected.
	require.NoError(t, r.RegisterTransformation("UserCreated", "1.0.0", "2.0.0",
		func(p json.RawMessage) (json.RawMessage, error) { return p, nil }))
	_, err = r.Transform("UserCreated", "1.0.0", "2.0.0", payload)
	require.ErrorIs(t, err, ErrTransformationFailed)
}

func TestListVersionsSemverOrder(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"1.10.0", "1.0.0", "1.2.0"} {
		require.NoError(t, r.Register("Ordered", v, json.RawMessage(`{"type": "object"}`)))
	}

	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, r.ListVersions("Ordered"))

	latest, err := r.LatestVersion("Ordered")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest)

	assert.Nil(t, r.ListVersions("Unknown"))
	_, err = r.LatestVersion("Unknown")
	require.ErrorIs(t, err, ErrSchemaNotFound)
}

func TestValidateConcurrentWithDeprecate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("UserCreated", "1.0.0", json.RawMessage(userSchemaV1)))

	payload := json.RawMessage(`{"username":"ada","email":"ada@example.com"}`)
	until := time.Now().Add(time.Hour)

	// Validation reads the deprecation state while Deprecate rewrites it;
	// both must go through the registry lock.
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 100; i++ {
			r.Validate("UserCreated", "1.0.0", payload)
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 100; i++ {
			r.Deprecate("UserCreated", "1.0.0", &until)
		}
	}()
	close(start)
	wg.Wait()

	// Inside the removal window the deprecated version still validates.
	require.NoError(t, r.Validate("UserCreated", "1.0.0", payload))
}
