package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/google/uuid"
)

// VersionRecord is a persisted document snapshot. Operations holds the
// JSON-encoded operations applied since the previous snapshot;
// ConflictMetadata carries resolution details when the snapshot came out
// of a conflict resolution.
type VersionRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID       string    `gorm:"type:char(27);not null;index:idx_doc_version,unique" json:"document_id"`
	VersionNumber    uint64    `gorm:"not null;index:idx_doc_version,unique" json:"version_number"`
	Content          string    `gorm:"type:text;not null" json:"content"`
	// DocVersion and Vector checkpoint the replica state the snapshot
	// covers, so a workspace can rebuild from here when older log
	// records were compacted away.
	DocVersion       uint64    `gorm:"not null;default:0" json:"doc_version"`
	Vector           []byte    `gorm:"type:jsonb" json:"vector,omitempty"`
	Operations       []byte    `gorm:"type:jsonb" json:"operations"`
	Author           string    `gorm:"type:varchar(64)" json:"author"`
	CommitMessage    string    `gorm:"type:text" json:"commit_message"`
	ConflictMetadata []byte    `gorm:"type:jsonb" json:"conflict_metadata,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	Document *Document `gorm:"foreignKey:DocumentID;references:ID" json:"document,omitempty"`
}

// BeforeCreate generates a UUID when none was assigned.
func (v *VersionRecord) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// TableName override.
func (VersionRecord) TableName() string {
	return "document_versions"
}
