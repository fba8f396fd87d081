package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// OperationRecord stores one applied edit in a document's operation log.
// Payload is the JSON form of the engine operation; (DocumentID, ActorID,
// Seq) identifies it across replicas so replays stay idempotent.
type OperationRecord struct {
	ID         string    `gorm:"type:char(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:char(27);not null;index:idx_doc_seq" json:"document_id"`
	ActorID    string    `gorm:"type:varchar(64);not null;index:idx_doc_seq" json:"actor_id"`
	Seq        uint64    `gorm:"not null;index:idx_doc_seq" json:"seq"`
	// DocVersion is the document version this operation produced.
	// Replay after log compaction skips records at or below the newest
	// snapshot's document version.
	DocVersion uint64    `gorm:"not null;default:0;index" json:"doc_version"`
	Kind       string    `gorm:"type:varchar(16);not null" json:"kind"`
	Payload    []byte    `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`

	Document *Document `gorm:"foreignKey:DocumentID;references:ID" json:"document,omitempty"`
}

// BeforeCreate generates a KSUID.
func (o *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

// TableName override.
func (OperationRecord) TableName() string {
	return "document_operations"
}
