package models

import (
	"encoding/json"
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a document.
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MessageType identifies frames on the collaboration socket.
type MessageType string

const (
	// Client -> server
	MessageTypeOperation MessageType = "operation" // a RemoteOperation to merge
	MessageTypePresence  MessageType = "presence"  // cursor/selection update
	MessageTypeSync      MessageType = "sync"      // request ops since a version vector

	// Server -> client
	MessageTypeSnapshot MessageType = "snapshot" // full document state on join/sync
	MessageTypeCatchUp  MessageType = "catchup"  // operations missed since a reported vector
	MessageTypeEvent    MessageType = "event"    // validated engine event broadcast
	MessageTypeJoin     MessageType = "join"
	MessageTypeLeave    MessageType = "leave"
	MessageTypeError    MessageType = "error"
)

// Message is one frame of the JSON collaboration protocol.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewSession(documentID, userID, userName string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}
