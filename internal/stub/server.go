// Package stub is an in-process stand-in for the chat backend: the same
// HTTP endpoints and realtime channels the production service exposes,
// backed by nothing but memory. The engine's integration tests and the
// local dev harness run against it; it is not a deployable backend.
package stub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talkbox/internal/model"
)

// HistoryShape selects which of the historical response encodings the stub
// serves, so clients can be exercised against all of them.
type HistoryShape int

const (
	ShapeContentEnvelope HistoryShape = iota // {"messages":[{"content":[...]}]}
	ShapeMessages                            // {"messages":[...]}
	ShapeBareArray                           // [...]
)

// Server implements the backend collaborator contract in memory.
type Server struct {
	hub  *Hub
	log  *zap.Logger
	flow *model.FlowDefinition

	mu            sync.Mutex
	conversations map[string][]model.Message
	nextID        int64
	historyShape  HistoryShape
}

func NewServer(flow *model.FlowDefinition, log *zap.Logger) *Server {
	s := &Server{
		hub:           NewHub(log),
		log:           log,
		flow:          flow,
		conversations: make(map[string][]model.Message),
	}
	go s.hub.Run()
	return s
}

// Hub exposes the underlying hub for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetHistoryShape switches the history response encoding.
func (s *Server) SetHistoryShape(shape HistoryShape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyShape = shape
}

// Purge drops a conversation without publishing a deletion event, the way
// an out-of-band cleanup job would.
func (s *Server) Purge(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// MessageCount reports how many messages a conversation holds.
func (s *Server) MessageCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[conversationID])
}

// Routes builds the HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/chat/send-message", s.handleSendMessage)
	r.Get("/chat/history", s.handleHistory)
	r.Post("/chat/typing", s.handleTyping)
	r.Post("/chat/delete", s.handleDelete)
	r.Get("/start-flow", s.handleStartFlow)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message        string            `json:"message"`
		ConversationID string            `json:"conversation_id"`
		Sender         model.MessageType `json:"sender"`
		UserInfo       *model.UserInfo   `json:"user_info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Message == "" || body.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "message and conversation_id required")
		return
	}
	if body.Sender == "" {
		body.Sender = model.MessageTypeClient
	}

	s.mu.Lock()
	s.nextID++
	msg := model.Message{
		ID:        fmt.Sprintf("%d", s.nextID),
		Text:      body.Message,
		Type:      body.Sender,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	_, existed := s.conversations[body.ConversationID]
	s.conversations[body.ConversationID] = append(s.conversations[body.ConversationID], msg)
	s.mu.Unlock()

	if !existed {
		s.hub.Publish("conversations", model.EventConversationCreated, map[string]any{
			"conversationId": body.ConversationID,
		})
	}
	s.hub.Publish("chat."+body.ConversationID, model.EventMessageCreated, map[string]any{
		"message": msg,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"message":         msg,
		"conversation_id": body.ConversationID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")

	s.mu.Lock()
	msgs, ok := s.conversations[conversationID]
	shape := s.historyShape
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	switch shape {
	case ShapeBareArray:
		writeJSON(w, http.StatusOK, msgs)
	case ShapeMessages:
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{{"content": msgs}},
		})
	}
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string          `json:"conversation_id"`
		IsTyping       bool            `json:"isTyping"`
		UserInfo       *model.UserInfo `json:"user_info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	data := map[string]any{"isTyping": body.IsTyping}
	if body.UserInfo != nil {
		data["userInfo"] = body.UserInfo
	}
	s.hub.Publish("chat."+body.ConversationID, model.EventUserTyping, data)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	delete(s.conversations, body.ConversationID)
	s.mu.Unlock()

	s.hub.Publish("chat."+body.ConversationID, model.EventChatDeleted, map[string]any{
		"conversationId": body.ConversationID,
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	if s.flow == nil {
		writeError(w, http.StatusNotFound, "no flow configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    s.flow,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws, s.hub)
	s.hub.register(conn)
	go conn.writePump()
	go conn.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "error": msg})
}
