package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-engine/internal/models"

	"gorm.io/gorm"
)

// OperationRepositoryImpl stores the per-document operation log. The log
// lets a restarted server rebuild replica state and lets late-joining
// clients sync incrementally.
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository.
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// Store appends one operation to the log.
func (r *OperationRepositoryImpl) Store(ctx context.Context, rec *models.OperationRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}
	return nil
}

// GetAll retrieves the full log for a document in application order.
// Used for initial sync and restart recovery.
func (r *OperationRepositoryImpl) GetAll(ctx context.Context, documentID string) ([]*models.OperationRecord, error) {
	var ops []*models.OperationRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("doc_version ASC, id ASC").
		Find(&ops).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}

	return ops, nil
}

// GetSince retrieves operations from one actor after a sequence number.
// Used for incremental sync against a client's version vector.
func (r *OperationRepositoryImpl) GetSince(ctx context.Context, documentID, actorID string, afterSeq uint64) ([]*models.OperationRecord, error) {
	var ops []*models.OperationRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND actor_id = ? AND seq > ?", documentID, actorID, afterSeq).
		Order("seq ASC").
		Find(&ops).Error

	if err != nil {
		return nil, fmt.Errorf("failed to get operations: %w", err)
	}

	return ops, nil
}

// LatestSeq reports the highest stored sequence for an actor in a
// document, zero when the actor has no operations yet.
func (r *OperationRepositoryImpl) LatestSeq(ctx context.Context, documentID, actorID string) (uint64, error) {
	var rec models.OperationRecord

	err := r.db.WithContext(ctx).
		Where("document_id = ? AND actor_id = ?", documentID, actorID).
		Order("seq DESC").
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest seq: %w", err)
	}

	return rec.Seq, nil
}

// Trim removes all but the newest keepCount operations for a document.
// Callers must only trim below the newest persisted version snapshot or
// replay breaks.
func (r *OperationRepositoryImpl) Trim(ctx context.Context, documentID string, keepCount int) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.OperationRecord{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return err
	}

	if count <= int64(keepCount) {
		return nil
	}

	var cutoff models.OperationRecord
	offset := count - int64(keepCount)
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("doc_version ASC, id ASC").
		Offset(int(offset)).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("document_id = ? AND doc_version < ?", documentID, cutoff.DocVersion).
		Delete(&models.OperationRecord{})

	if result.Error != nil {
		return fmt.Errorf("failed to trim operations: %w", result.Error)
	}
	return nil
}
