package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// DocumentRepositoryImpl handles database operations for documents. The
// services package declares the interface it needs; this type stays a
// plain implementation.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// Create inserts a new document. The KSUID comes from the BeforeCreate
// hook; InitialContent is frozen at creation so version replay has a
// fixed starting point.
func (r *DocumentRepositoryImpl) Create(ctx context.Context, doc *models.DocumentCreate) (*models.Document, error) {
	document := &models.Document{
		Title:          doc.Title,
		Content:        doc.Content,
		InitialContent: doc.Content,
		Metadata:       doc.Metadata,
	}

	if err := r.db.WithContext(ctx).Create(document).Error; err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	return document, nil
}

// GetByID retrieves a document by its KSUID. Soft-deleted documents are
// excluded.
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document

	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// List returns documents with pagination. KSUIDs are time-ordered, so
// sorting by ID sorts by creation time.
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.Document, error) {
	var documents []*models.Document

	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&documents).Error

	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	return documents, nil
}

// Update modifies document metadata fields set in the update struct.
func (r *DocumentRepositoryImpl) Update(ctx context.Context, id string, update *models.DocumentUpdate) (*models.Document, error) {
	var doc models.Document

	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to find document: %w", err)
	}

	updates := make(map[string]interface{})
	if update.Title != nil {
		updates["title"] = *update.Title
	}
	if update.Metadata != nil {
		updates["metadata"] = update.Metadata
	}
	if len(updates) == 0 {
		return &doc, nil
	}

	if err := r.db.WithContext(ctx).Model(&doc).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	return &doc, nil
}

// SaveState writes the current content and engine version after
// operations were applied.
func (r *DocumentRepositoryImpl) SaveState(ctx context.Context, id string, content string, version uint64) error {
	result := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "version": version})

	if result.Error != nil {
		return fmt.Errorf("failed to save document state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

// Delete performs a soft delete; the row stays recoverable.
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id)

	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}
