package api

import (
	"context"

	"collab-engine/internal/models"
)

// Interfaces live with their consumer: handlers declare what they need,
// implementations elsewhere stay plain structs.

// EventLog is what handlers need from event persistence.
type EventLog interface {
	ListByDocument(ctx context.Context, documentID string, limit int) ([]*models.EventRecord, error)
}
