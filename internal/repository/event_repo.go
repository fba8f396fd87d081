package repository

import (
	"context"
	"fmt"
	"time"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// EventRepositoryImpl persists validated engine events for audit and
// replay.
type EventRepositoryImpl struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *gorm.DB) *EventRepositoryImpl {
	return &EventRepositoryImpl{db: db}
}

// Store persists one event.
func (r *EventRepositoryImpl) Store(ctx context.Context, rec *models.EventRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// ListByDocument returns a document's events, newest first.
func (r *EventRepositoryImpl) ListByDocument(ctx context.Context, documentID string, limit int) ([]*models.EventRecord, error) {
	var recs []*models.EventRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return recs, nil
}

// ListByType returns events of one type across documents, newest first.
func (r *EventRepositoryImpl) ListByType(ctx context.Context, eventType string, limit int) ([]*models.EventRecord, error) {
	var recs []*models.EventRecord

	err := r.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return recs, nil
}

// DeleteOlderThan removes events created before the cutoff. Run
// periodically to bound table growth.
func (r *EventRepositoryImpl) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.EventRecord{})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
