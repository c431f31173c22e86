package memory

import (
	"context"
	"sync"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
)

// InMemorySessionStore implements storage.SessionStorage using a map keyed by
// user identity. Records are stored and returned by copy to prevent external
// modification.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*storage.SessionRecord
}

// NewInMemorySessionStore creates an empty session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*storage.SessionRecord),
	}
}

// GetSession returns a copy of the user's record, or (nil, nil) if absent.
func (s *InMemorySessionStore) GetSession(
	ctx context.Context,
	userID string,
) (*storage.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// PutSession creates or replaces the record for rec.UserID.
func (s *InMemorySessionStore) PutSession(
	ctx context.Context,
	rec *storage.SessionRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.sessions[rec.UserID] = &cp
	return nil
}
