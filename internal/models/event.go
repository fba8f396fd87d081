package models

import (
	"time"
)

// EventRecord persists an engine event after it passed schema
// validation. The emitter already assigns KSUIDs, so no BeforeCreate
// hook here.
type EventRecord struct {
	ID         string    `gorm:"type:char(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:char(27);index" json:"document_id"`
	EventType  string    `gorm:"type:varchar(64);not null;index" json:"event_type"`
	Version    string    `gorm:"type:varchar(16);not null" json:"version"`
	Payload    []byte    `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName override.
func (EventRecord) TableName() string {
	return "engine_events"
}
