package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a session is not found
var ErrSessionNotFound = fmt.Errorf("session not found")

// Store holds the live sessions of all open connections.
type Store struct {
	logger *zap.Logger
	mu     sync.RWMutex
	items  map[string]*Session
}

// NewStore creates an in-memory session store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger: logger.Named("session.store"),
		items:  make(map[string]*Session),
	}
}

// Register adds a session; the id must be unused.
func (s *Store) Register(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[sess.ID]; exists {
		return fmt.Errorf("session already exists: %s", sess.ID)
	}
	s.items[sess.ID] = sess
	return nil
}

// Get retrieves a session by id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Unregister removes a session by id.
func (s *Store) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.items, id)
	return nil
}

// List returns all live sessions.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.items))
	for _, sess := range s.items {
		out = append(out, sess)
	}
	return out
}
