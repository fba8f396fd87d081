package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is the persisted collaborative document. KSUIDs keep primary
// keys time-sortable and index-friendly.
type Document struct {
	ID             string         `json:"id" gorm:"type:char(27);primaryKey"`
	Title          string         `json:"title" gorm:"type:text;not null"`
	Content        string         `json:"content" gorm:"type:text;not null"`
	InitialContent string         `json:"initial_content" gorm:"type:text;not null"`
	Version        uint64         `json:"version" gorm:"not null;default:0"`
	Metadata       map[string]any `json:"metadata" gorm:"type:jsonb;serializer:json;default:'{}'"`
	CreatedAt      time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt      gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"`
}

// BeforeCreate hook generates a KSUID before inserting.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

type DocumentCreate struct {
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type DocumentUpdate struct {
	Title    *string        `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
