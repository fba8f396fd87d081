// Package schema is the versioned event-schema registry: it stores JSON
// schemas per (event type, semver version), validates event payloads
// against them, and carries transformation functions for migrating
// payloads between schema versions.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrSchemaNotFound       = errors.New("schema not found")
	ErrVersionNotFound      = errors.New("schema version not found")
	ErrInvalidVersion       = errors.New("invalid schema version")
	ErrValidationFailed     = errors.New("schema validation failed")
	ErrTransformationFailed = errors.New("schema transformation failed")
	ErrSchemaDeprecated     = errors.New("schema is deprecated")
)

// Schema is one registered JSON schema version for an event type.
type Schema struct {
	Definition      json.RawMessage `json:"definition"`
	CreatedAt       time.Time       `json:"created_at"`
	Deprecated      bool            `json:"deprecated"`
	DeprecatedUntil *time.Time      `json:"deprecated_until,omitempty"`

	compiled *gojsonschema.Schema
}

// TransformFunc migrates an event payload from one schema version to
// another. Implementations must not mutate the input.
type TransformFunc func(payload json.RawMessage) (json.RawMessage, error)

type transformKey struct {
	from string
	to   string
}

// Registry stores schemas and version transformations for event types.
// Safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	schemas         map[string]map[string]*Schema // event type -> canonical version -> schema
	transformations map[string]map[transformKey]TransformFunc
	now             func() time.Time
}

// NewRegistry builds a registry pre-loaded with the default event
// schemas the engine emits against.
func NewRegistry() *Registry {
	r := &Registry{
		schemas:         make(map[string]map[string]*Schema),
		transformations: make(map[string]map[transformKey]TransformFunc),
		now:             time.Now,
	}
	r.registerDefaults()
	return r
}

// Register compiles and stores a schema definition for an event type and
// version. Registering the same (type, version) again replaces the
// previous definition.
func (r *Registry) Register(eventType, version string, definition json.RawMessage) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definition))
	if err != nil {
		return fmt.Errorf("%w: compile %s@%s: %v", ErrValidationFailed, eventType, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.schemas[eventType]
	if !ok {
		versions = make(map[string]*Schema)
		r.schemas[eventType] = versions
	}
	versions[v.String()] = &Schema{
		Definition: definition,
		CreatedAt:  r.now(),
		compiled:   compiled,
	}
	return nil
}

// Get returns the schema registered for an event type and version.
func (r *Registry) Get(eventType, version string) (*Schema, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.schemas[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, eventType)
	}
	s, ok := versions[v.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, eventType, v)
	}
	return s, nil
}

// Validate checks an event payload against the schema for its type and
// version. A deprecated schema still validates until its removal date
// passes, after which it returns ErrSchemaDeprecated.
func (r *Registry) Validate(eventType, version string, payload json.RawMessage) error {
	s, err := r.Get(eventType, version)
	if err != nil {
		return err
	}
	// Deprecate mutates these fields under the registry lock; take a
	// consistent read before checking. The compiled schema is immutable.
	r.mu.RLock()
	deprecated, until := s.Deprecated, s.DeprecatedUntil
	r.mu.RUnlock()
	if deprecated {
		if until == nil || !r.now().Before(*until) {
			return fmt.Errorf("%w: %s@%s", ErrSchemaDeprecated, eventType, version)
		}
	}

	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s@%s: %v", ErrValidationFailed, eventType, version, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: %s@%s: %s", ErrValidationFailed, eventType, version, joinResultErrors(result))
	}
	return nil
}

// Deprecate marks a schema version deprecated. Until the removal time
// passes the version still validates; afterwards Validate rejects it.
func (r *Registry) Deprecate(eventType, version string, until *time.Time) error {
	s, err := r.Get(eventType, version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Deprecated = true
	s.DeprecatedUntil = until
	return nil
}

// IsDeprecated reports whether a schema version is marked deprecated.
func (r *Registry) IsDeprecated(eventType, version string) (bool, error) {
	s, err := r.Get(eventType, version)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.Deprecated, nil
}

// RegisterTransformation stores a payload migration between two versions
// of an event type.
func (r *Registry) RegisterTransformation(eventType, from, to string, fn TransformFunc) error {
	fv, err := semver.NewVersion(from)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, from, err)
	}
	tv, err := semver.NewVersion(to)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, to, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byKey, ok := r.transformations[eventType]
	if !ok {
		byKey = make(map[transformKey]TransformFunc)
		r.transformations[eventType] = byKey
	}
	byKey[transformKey{from: fv.String(), to: tv.String()}] = fn
	return nil
}

// Transform migrates a payload between two schema versions using the
// registered transformation, then validates the result against the
// target schema when one is registered.
func (r *Registry) Transform(eventType, from, to string, payload json.RawMessage) (json.RawMessage, error) {
	fv, err := semver.NewVersion(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, from, err)
	}
	tv, err := semver.NewVersion(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, to, err)
	}

	r.mu.RLock()
	fn, ok := r.transformations[eventType][transformKey{from: fv.String(), to: tv.String()}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s: %s -> %s", ErrVersionNotFound, eventType, fv, tv)
	}

	out, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s -> %s: %v", ErrTransformationFailed, eventType, fv, tv, err)
	}
	if _, getErr := r.Get(eventType, to); getErr == nil {
		if err := r.Validate(eventType, to, out); err != nil {
			return nil, fmt.Errorf("%w: transformed payload: %v", ErrTransformationFailed, err)
		}
	}
	return out, nil
}

// ListVersions returns the registered versions for an event type in
// ascending semver order.
func (r *Registry) ListVersions(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	parsed := make(semver.Collection, 0, len(versions))
	for raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	sort.Sort(parsed)
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.String()
	}
	return out
}

// LatestVersion returns the highest registered version for an event type.
func (r *Registry) LatestVersion(eventType string) (string, error) {
	versions := r.ListVersions(eventType)
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSchemaNotFound, eventType)
	}
	return versions[len(versions)-1], nil
}

// EventTypes returns every event type with at least one schema, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func joinResultErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, e := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return msg
}
