package client

import "sync"

// SessionStore remembers the session id the server assigned, so a
// reconnect can resume the same session.
type SessionStore interface {
	SessionID() (int64, bool)
	SetSessionID(id int64)
	Reset()
}

// MemoryStore is the default SessionStore; it lives as long as the client.
type MemoryStore struct {
	mu  sync.Mutex
	id  int64
	set bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SessionID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.set
}

func (s *MemoryStore) SetSessionID(id int64) {
	s.mu.Lock()
	s.id, s.set = id, true
	s.mu.Unlock()
}

func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.id, s.set = 0, false
	s.mu.Unlock()
}
