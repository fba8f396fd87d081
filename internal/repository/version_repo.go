package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VersionRepositoryImpl stores named document snapshots.
type VersionRepositoryImpl struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(db *gorm.DB) *VersionRepositoryImpl {
	return &VersionRepositoryImpl{db: db}
}

// Store persists one version snapshot.
func (r *VersionRepositoryImpl) Store(ctx context.Context, rec *models.VersionRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store version: %w", err)
	}
	return nil
}

// GetByID retrieves a version snapshot by UUID.
func (r *VersionRepositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.VersionRecord, error) {
	var rec models.VersionRecord

	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: version %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return &rec, nil
}

// GetByNumber retrieves a document's snapshot with a given version
// number.
func (r *VersionRepositoryImpl) GetByNumber(ctx context.Context, documentID string, number uint64) (*models.VersionRecord, error) {
	var rec models.VersionRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND version_number = ?", documentID, number).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s version %d", ErrNotFound, documentID, number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	return &rec, nil
}

// List returns a document's snapshots in ascending version order.
func (r *VersionRepositoryImpl) List(ctx context.Context, documentID string) ([]*models.VersionRecord, error) {
	var recs []*models.VersionRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number ASC").
		Find(&recs).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	return recs, nil
}

// Latest returns the newest snapshot for a document, nil when none
// exists yet.
func (r *VersionRepositoryImpl) Latest(ctx context.Context, documentID string) (*models.VersionRecord, error) {
	var rec models.VersionRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}

	return &rec, nil
}
