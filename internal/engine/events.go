package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Outbound event types emitted to the transport collaborator.
const (
	EventOperationApplied = "OperationApplied"
	EventPresenceUpdated  = "PresenceUpdated"
	EventConflictDetected = "ConflictDetected"
	EventConflictResolved = "ConflictResolved"
	EventVersionCreated   = "VersionCreated"
	EventSchemaRegistered = "SchemaRegistered"
)

// Event is the structured envelope handed to the transport on every
// observable state transition. Payloads are validated by the schema
// registry before leaving the core.
type Event struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventValidator is what the emitter needs from the schema registry.
type EventValidator interface {
	Validate(eventType, version string, payload json.RawMessage) error
}

// Emitter fans validated events out to subscribers through a bounded
// queue. Emit never blocks the apply path: when the queue is full the
// event is dropped and logged.
type Emitter struct {
	mu        sync.Mutex
	validator EventValidator
	subs      []func(Event)
	out       chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *slog.Logger
	started   bool
}

// NewEmitter creates an emitter with the given queue size. The validator
// may be nil, in which case events pass through unvalidated (used in
// tests).
func NewEmitter(validator EventValidator, buffer int, log *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		validator: validator,
		out:       make(chan Event, buffer),
		done:      make(chan struct{}),
		log:       log,
	}
}

// Subscribe registers a delivery callback. Must be called before Start.
func (e *Emitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// Start launches the dispatcher goroutine.
func (e *Emitter) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.done:
				return
			case ev := <-e.out:
				e.mu.Lock()
				subs := e.subs
				e.mu.Unlock()
				for _, fn := range subs {
					fn(ev)
				}
			}
		}
	}()
}

// Emit validates and enqueues an event. The payload is marshaled to JSON;
// validation failures are returned to the caller and the event is not
// delivered.
func (e *Emitter) Emit(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	ev := Event{
		ID:        ksuid.New().String(),
		EventType: eventType,
		Payload:   raw,
		Version:   EventVersion,
		CreatedAt: time.Now(),
	}
	if e.validator != nil {
		if err := e.validator.Validate(ev.EventType, ev.Version, ev.Payload); err != nil {
			e.log.Warn("event failed schema validation",
				"event_type", eventType, "error", err)
			return err
		}
	}
	select {
	case e.out <- ev:
		return nil
	default:
		e.log.Warn("event queue full, dropping event", "event_type", eventType)
		return fmt.Errorf("event queue full: %s", eventType)
	}
}

// Close stops the dispatcher. Queued but undelivered events are
// discarded. Safe to call more than once.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
}
