package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/farm-market/internal/observability"
)

// WSSession represents a connected client
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds client sessions and broadcasts every event to all of them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[id]; ok {
		_ = old.conn.Close()
	} else {
		observability.WSClients.Inc()
	}
	r.sessions[id] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		_ = s.conn.Close()
		delete(r.sessions, id)
		observability.WSClients.Dec()
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Name() string { return "websocket" }

// Deliver writes ev to every session. Sessions that fail are dropped.
func (r *WSRegistry) Deliver(ctx context.Context, ev Event) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	sessions := make([]*WSSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	var errs []error
	for i, s := range sessions {
		if err := s.Send(ev, deadline); err != nil {
			errs = append(errs, err)
			r.Remove(ids[i])
		}
	}
	return errors.Join(errs...)
}

func (r *WSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		_ = s.conn.Close()
		delete(r.sessions, id)
		observability.WSClients.Dec()
	}
	return nil
}
