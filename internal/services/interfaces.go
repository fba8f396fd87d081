package services

import (
	"context"

	"collab-engine/internal/models"

	"github.com/google/uuid"
)

// Interfaces live with their consumer. This package uses the
// repositories, so it declares only the methods it needs; the repository
// package stays a plain implementation.

// DocumentRepository is what the service needs from document storage.
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.DocumentCreate) (*models.Document, error)
	GetByID(ctx context.Context, id string) (*models.Document, error)
	List(ctx context.Context, limit, offset int) ([]*models.Document, error)
	Update(ctx context.Context, id string, update *models.DocumentUpdate) (*models.Document, error)
	SaveState(ctx context.Context, id string, content string, version uint64) error
	Delete(ctx context.Context, id string) error
}

// OperationRepository is what the service needs from the operation log.
type OperationRepository interface {
	Store(ctx context.Context, rec *models.OperationRecord) error
	GetAll(ctx context.Context, documentID string) ([]*models.OperationRecord, error)
	GetSince(ctx context.Context, documentID, actorID string, afterSeq uint64) ([]*models.OperationRecord, error)
	Trim(ctx context.Context, documentID string, keepCount int) error
}

// VersionRepository is what the service needs from snapshot storage.
type VersionRepository interface {
	Store(ctx context.Context, rec *models.VersionRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.VersionRecord, error)
	List(ctx context.Context, documentID string) ([]*models.VersionRecord, error)
}

// EventRepository is what the event store needs from event persistence.
type EventRepository interface {
	Store(ctx context.Context, rec *models.EventRecord) error
	ListByDocument(ctx context.Context, documentID string, limit int) ([]*models.EventRecord, error)
}
