package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/ride-presence/internal/models"
)

const writeWait = 5 * time.Second

// Conn is the subset of *websocket.Conn the hub writes to.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession is one connected UI.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v models.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Hub fans view snapshots out to every connected UI.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{sessions: make(map[string]*WSSession), logger: logger}
}

func (h *Hub) Add(id string, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	if old, ok := h.sessions[id]; ok {
		_ = old.conn.Close()
	}
	h.sessions[id] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast sends v to every session, dropping those whose write fails.
func (h *Hub) Broadcast(v models.View) {
	h.mu.RLock()
	targets := make(map[string]*WSSession, len(h.sessions))
	for id, s := range h.sessions {
		targets[id] = s
	}
	h.mu.RUnlock()

	for id, s := range targets {
		if err := s.Send(v); err != nil {
			h.logger.Warn("ws send failed; dropping session", zap.String("session", id), zap.Error(err))
			h.Remove(id)
		}
	}
}

// Pump broadcasts every view from views until the channel closes.
func (h *Hub) Pump(views <-chan models.View) {
	for v := range views {
		h.Broadcast(v)
	}
}
