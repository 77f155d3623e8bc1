package ingest

import (
	"sync"
)

// Hub tracks the active producer sessions.
type Hub struct {
	sessions sync.Map // map[string]*Session
}

func NewHub() *Hub {
	return &Hub{}
}

// Register adds a new session to the hub.
func (h *Hub) Register(session *Session) {
	if session == nil {
		return
	}
	h.sessions.Store(session.ID(), session)
}

// Unregister removes the session from the hub.
func (h *Hub) Unregister(id string) {
	if id == "" {
		return
	}
	h.sessions.Delete(id)
}

// CloseAll closes every active session.
func (h *Hub) CloseAll(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}

	h.sessions.Range(func(key, value any) bool {
		if session, ok := value.(*Session); ok {
			session.Close(reason)
		}
		h.sessions.Delete(key)
		return true
	})
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	n := 0
	h.sessions.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}
