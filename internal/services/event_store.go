package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"collab-engine/internal/engine"
	"collab-engine/internal/metrics"
	"collab-engine/internal/models"
)

// EventJob carries one validated engine event to persistence.
type EventJob struct {
	DocumentID string
	Event      engine.Event
}

// EventStoreImpl drains engine events into the database through a fixed
// worker pool. The bounded queue keeps a slow database from blocking the
// apply path; overflow drops the event and bumps a counter.
type EventStoreImpl struct {
	eventRepo EventRepository
	log       *slog.Logger

	jobs    chan EventJob
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEventStore creates the store. Call Start before submitting.
func NewEventStore(eventRepo EventRepository, numWorkers, queueSize int, log *slog.Logger) *EventStoreImpl {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &EventStoreImpl{
		eventRepo: eventRepo,
		log:       log,
		jobs:      make(chan EventJob, queueSize),
		workers:   numWorkers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the worker goroutines.
func (s *EventStoreImpl) Start() {
	s.log.Info("starting event store worker pool", "workers", s.workers)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *EventStoreImpl) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			if err := s.persist(job); err != nil {
				s.log.Error("failed to persist event",
					"worker", id,
					"event_type", job.Event.EventType,
					"error", err,
				)
			}
		}
	}
}

// Submit queues one event without blocking the caller.
func (s *EventStoreImpl) Submit(job EventJob) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("event store is shutting down")
	}
	select {
	case s.jobs <- job:
		metrics.RecordEvent(job.Event.EventType, "emitted")
		return nil
	default:
		metrics.RecordEvent(job.Event.EventType, "dropped")
		return fmt.Errorf("event queue full: %s", job.Event.EventType)
	}
}

// Subscriber returns a callback suitable for Emitter.Subscribe.
func (s *EventStoreImpl) Subscriber(documentID string) func(engine.Event) {
	return func(ev engine.Event) {
		if err := s.Submit(EventJob{DocumentID: documentID, Event: ev}); err != nil {
			s.log.Warn("event dropped", "document_id", documentID, "error", err)
		}
	}
}

func (s *EventStoreImpl) persist(job EventJob) error {
	rec := &models.EventRecord{
		ID:         job.Event.ID,
		DocumentID: job.DocumentID,
		EventType:  job.Event.EventType,
		Version:    job.Event.Version,
		Payload:    job.Event.Payload,
		CreatedAt:  job.Event.CreatedAt,
	}
	return s.eventRepo.Store(context.Background(), rec)
}

// QueueLength reports pending jobs, for monitoring.
func (s *EventStoreImpl) QueueLength() int {
	return len(s.jobs)
}

// Shutdown stops accepting jobs and waits for the workers to exit.
// In-flight persists complete; jobs still queued are discarded.
func (s *EventStoreImpl) Shutdown() {
	s.log.Info("shutting down event store")
	s.cancel()
	s.wg.Wait()
}
