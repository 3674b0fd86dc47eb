package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents one connected client (driver or rider).
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry delivers events over live WebSocket sessions keyed by client ID.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[clientID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[clientID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[clientID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, clientID)
	}
}

// Publish sends the event to every connected recipient. ErrNoSession is
// returned when none of the recipients has a live session, so a fallback
// sink can take over.
func (r *WSRegistry) Publish(ev Event) error {
	delivered := 0
	for _, id := range ev.Recipients() {
		r.mu.RLock()
		s, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.Send(ev); err != nil {
			r.logger.Warn("ws send failed", "client_id", id, "event", ev.Type, "error", err)
			r.Remove(id)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return ErrNoSession
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
