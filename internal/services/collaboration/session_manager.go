package collaboration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"collab-engine/internal/engine"
	"collab-engine/internal/metrics"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/services"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	sessionTimeout = 5 * time.Minute
)

// SessionManager is the hub for document rooms: it registers sessions,
// fans engine events and peer operations out to room members and sweeps
// stale connections and presence.
type SessionManager struct {
	documents  map[string]map[*Session]bool // documentID -> set of sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	svc *services.CollabService
	log *slog.Logger

	// Documents whose emitter already fans out to this hub.
	fanout   map[string]bool
	fanoutMu sync.Mutex

	sweepInterval   time.Duration
	presenceTimeout time.Duration
	sendBuffer      int

	done chan struct{}
}

// Session is one active WebSocket connection in a document room.
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *SessionManager
}

// BroadcastMessage targets a document room, optionally skipping the
// sender.
type BroadcastMessage struct {
	DocumentID string
	Message    []byte
	Sender     *Session
}

// NewSessionManager creates the hub. broadcastBuffer sizes the hub
// queue and each session's send queue. Call Start before accepting
// connections.
func NewSessionManager(svc *services.CollabService, sweepInterval, presenceTimeout time.Duration, broadcastBuffer int, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if presenceTimeout <= 0 {
		presenceTimeout = sessionTimeout
	}
	if broadcastBuffer <= 0 {
		broadcastBuffer = 256
	}
	return &SessionManager{
		documents:       make(map[string]map[*Session]bool),
		register:        make(chan *Session),
		unregister:      make(chan *Session),
		broadcast:       make(chan *BroadcastMessage, broadcastBuffer),
		svc:             svc,
		log:             log,
		fanout:          make(map[string]bool),
		sweepInterval:   sweepInterval,
		presenceTimeout: presenceTimeout,
		sendBuffer:      broadcastBuffer,
		done:            make(chan struct{}),
	}
}

// SendBuffer is the per-session outbound queue size.
func (sm *SessionManager) SendBuffer() int { return sm.sendBuffer }

// Start runs the hub event loop and the cleanup ticker.
func (sm *SessionManager) Start() {
	sm.log.Info("starting session manager")

	go func() {
		for {
			select {
			case <-sm.done:
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	go sm.cleanupLoop()
}

// ensureFanout subscribes the hub to a document's engine events exactly
// once, so every validated event reaches connected clients.
func (sm *SessionManager) ensureFanout(ctx context.Context, documentID string) error {
	sm.fanoutMu.Lock()
	defer sm.fanoutMu.Unlock()
	if sm.fanout[documentID] {
		return nil
	}
	ws, err := sm.svc.Workspace(ctx, documentID)
	if err != nil {
		return err
	}
	ws.Emitter.Subscribe(func(ev engine.Event) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		frame, err := json.Marshal(models.Message{Type: models.MessageTypeEvent, Payload: raw})
		if err != nil {
			return
		}
		sm.Broadcast(documentID, frame, nil)
	})
	sm.fanout[documentID] = true
	return nil
}

func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	if sm.documents[session.DocumentID] == nil {
		sm.documents[session.DocumentID] = make(map[*Session]bool)
	}
	sm.documents[session.DocumentID][session] = true
	count := len(sm.documents[session.DocumentID])
	sm.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(session.DocumentID).Set(float64(count))
	sm.log.Info("session joined",
		"session_id", session.ID,
		"document_id", session.DocumentID,
		"users", count,
	)

	joinMsg, _ := json.Marshal(map[string]any{
		"type": models.MessageTypeJoin,
		"user": map[string]string{
			"id":   session.UserID,
			"name": session.UserName,
		},
	})
	sm.broadcastAsync(&BroadcastMessage{
		DocumentID: session.DocumentID,
		Message:    joinMsg,
		Sender:     session,
	})
}

func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.documents[session.DocumentID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	if _, ok := sessions[session]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	close(session.Send)
	remaining := len(sessions)
	if remaining == 0 {
		delete(sm.documents, session.DocumentID)
	}
	sm.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(session.DocumentID).Set(float64(remaining))
	sm.log.Info("session left",
		"session_id", session.ID,
		"document_id", session.DocumentID,
		"users", remaining,
	)

	if err := sm.svc.RemovePresence(context.Background(), session.DocumentID, session.UserID); err != nil {
		sm.log.Warn("failed to remove presence", "user_id", session.UserID, "error", err)
	}

	leaveMsg, _ := json.Marshal(map[string]any{
		"type": models.MessageTypeLeave,
		"user": map[string]string{
			"id":   session.UserID,
			"name": session.UserName,
		},
	})
	sm.broadcastAsync(&BroadcastMessage{
		DocumentID: session.DocumentID,
		Message:    leaveMsg,
	})
}

func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.documents[msg.DocumentID]))
	for session := range sm.documents[msg.DocumentID] {
		sessions = append(sessions, session)
	}
	sm.mu.RUnlock()

	for _, session := range sessions {
		if msg.Sender != nil && session == msg.Sender {
			continue
		}
		select {
		case session.Send <- msg.Message:
		default:
			// Buffer full, connection is slow or dead.
			sm.log.Warn("session buffer full, dropping connection", "session_id", session.ID)
			sm.broadcastAsyncUnregister(session)
		}
	}
}

// broadcastAsync queues without blocking the hub loop.
func (sm *SessionManager) broadcastAsync(msg *BroadcastMessage) {
	select {
	case sm.broadcast <- msg:
	default:
		sm.log.Warn("broadcast queue full, dropping message", "document_id", msg.DocumentID)
	}
}

func (sm *SessionManager) broadcastAsyncUnregister(session *Session) {
	go func() {
		select {
		case sm.unregister <- session:
		case <-sm.done:
		}
	}()
}

// Broadcast sends a frame to every session in a document room.
func (sm *SessionManager) Broadcast(documentID string, message []byte, sender *Session) {
	sm.broadcastAsync(&BroadcastMessage{
		DocumentID: documentID,
		Message:    message,
		Sender:     sender,
	})
}

// GetSessions returns the active sessions for a document.
func (sm *SessionManager) GetSessions(documentID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.documents[documentID]
	result := make([]*Session, 0, len(sessions))
	for session := range sessions {
		result = append(result, session)
	}
	return result
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
			if n := sm.svc.SweepPresence(sm.presenceTimeout); n > 0 {
				sm.log.Info("swept stale presence entries", "count", n)
			}
		}
	}
}

func (sm *SessionManager) cleanup() {
	sm.mu.RLock()
	var stale []*Session
	now := time.Now()
	for _, sessions := range sm.documents {
		for session := range sessions {
			if now.Sub(session.LastActiveAt) > sessionTimeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		sm.log.Info("cleaning up inactive session", "session_id", session.ID)
		sm.broadcastAsyncUnregister(session)
	}
}

// Shutdown closes all connections and stops the hub.
func (sm *SessionManager) Shutdown() {
	sm.log.Info("shutting down session manager")

	close(sm.done)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, sessions := range sm.documents {
		for session := range sessions {
			close(session.Send)
			session.Conn.Close()
		}
	}
	sm.documents = make(map[string]map[*Session]bool)
}

// ReadPump reads frames from the socket and routes them into the
// engine. One goroutine per session.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.unregister <- s
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.Manager.log.Warn("websocket read error", "session_id", s.ID, "error", err)
			}
			break
		}

		s.LastActiveAt = time.Now()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.Int("message.size", len(raw)),
		)
		s.handleFrame(msgCtx, raw)
		span.End()
	}
}

// handleFrame decodes and dispatches one inbound frame.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("malformed message")
		return
	}

	switch msg.Type {
	case models.MessageTypeOperation:
		var rop engine.RemoteOperation
		if err := json.Unmarshal(msg.Payload, &rop); err != nil {
			s.sendError("malformed operation")
			return
		}
		rop.Op.ActorID = s.UserID
		if err := s.Manager.svc.SubmitOperation(ctx, s.DocumentID, rop); err != nil {
			middleware.AddSpanError(ctx, err)
			s.sendError(err.Error())
			return
		}
		// Relay to peers; they transform against their own state.
		s.Manager.Broadcast(s.DocumentID, raw, s)

	case models.MessageTypePresence:
		var p struct {
			DisplayName string                 `json:"display_name"`
			Cursor      engine.Position        `json:"cursor"`
			Selection   *engine.SelectionRange `json:"selection,omitempty"`
			IsTyping    bool                   `json:"is_typing"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError("malformed presence update")
			return
		}
		name := p.DisplayName
		if name == "" {
			name = s.UserName
		}
		if err := s.Manager.svc.UpdatePresence(ctx, s.DocumentID, s.UserID, name, p.Cursor, p.Selection, p.IsTyping); err != nil {
			middleware.AddSpanError(ctx, err)
			s.sendError(err.Error())
			return
		}
		s.Manager.Broadcast(s.DocumentID, raw, s)

	case models.MessageTypeSync:
		var req struct {
			Vector engine.VersionVector `json:"vector,omitempty"`
		}
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				s.sendError("malformed sync request")
				return
			}
		}
		if len(req.Vector) > 0 {
			s.sendCatchUp(ctx, req.Vector)
			return
		}
		s.sendSnapshot(ctx)

	default:
		s.sendError("unknown message type")
	}
}

// sendSnapshot queues the full current document state to this session.
func (s *Session) sendSnapshot(ctx context.Context) {
	ws, err := s.Manager.svc.Workspace(ctx, s.DocumentID)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	payload, err := json.Marshal(map[string]any{
		"document_id": s.DocumentID,
		"content":     ws.Document.Content(),
		"version":     ws.Document.Version(),
		"vector":      ws.Replica.Vector(),
		"presence":    ws.Presence.List(),
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(models.Message{Type: models.MessageTypeSnapshot, Payload: payload})
	if err != nil {
		return
	}
	select {
	case s.Send <- frame:
	default:
		s.Manager.log.Warn("failed to queue snapshot", "session_id", s.ID)
	}
}

// sendCatchUp queues the operations this session's reported vector has
// not observed yet. Cheaper than a full snapshot for a short gap.
func (s *Session) sendCatchUp(ctx context.Context, vector engine.VersionVector) {
	rops, err := s.Manager.svc.OperationsSince(ctx, s.DocumentID, vector)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	payload, err := json.Marshal(map[string]any{
		"document_id": s.DocumentID,
		"operations":  rops,
	})
	if err != nil {
		return
	}
	frame, err := json.Marshal(models.Message{Type: models.MessageTypeCatchUp, Payload: payload})
	if err != nil {
		return
	}
	select {
	case s.Send <- frame:
	default:
		s.Manager.log.Warn("failed to queue catch-up", "session_id", s.ID)
	}
}

func (s *Session) sendError(detail string) {
	payload, _ := json.Marshal(map[string]string{"error": detail})
	frame, _ := json.Marshal(models.Message{Type: models.MessageTypeError, Payload: payload})
	select {
	case s.Send <- frame:
	default:
	}
}

// WritePump writes queued frames and pings the peer. A dedicated writer
// goroutine keeps slow clients from blocking the hub.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
