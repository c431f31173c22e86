// Package memory provides in-memory implementations of the storage
// interfaces. They are the default backend and the one the tests run
// against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// InMemoryEntityStore implements storage.EntityStorage using maps and
// per-kind counters. Counters start at 0 and are incremented before use, so
// the first id of each kind is 1 and 0 is never allocated.
type InMemoryEntityStore struct {
	mu               sync.RWMutex
	contexts         map[storage.ContextID]*storage.Context
	completions      map[storage.CompletionID]*storage.Completion
	nextContextID    uint64
	nextCompletionID uint64
}

// NewInMemoryEntityStore creates an empty entity store.
func NewInMemoryEntityStore() *InMemoryEntityStore {
	return &InMemoryEntityStore{
		contexts:    make(map[storage.ContextID]*storage.Context),
		completions: make(map[storage.CompletionID]*storage.Completion),
	}
}

// CreateContext stores a new context record.
func (s *InMemoryEntityStore) CreateContext(
	ctx context.Context,
	tokens []oracle.CiphertextHandle,
) (storage.ContextID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextContextID++
	id := storage.ContextID(s.nextContextID)
	s.contexts[id] = &storage.Context{
		ID:              id,
		EncryptedTokens: append([]oracle.CiphertextHandle(nil), tokens...),
		CreatedAt:       time.Now(),
	}
	return id, nil
}

// CreateCompletion stores a new completion record after checking the context
// reference.
func (s *InMemoryEntityStore) CreateCompletion(
	ctx context.Context,
	tokens []oracle.CiphertextHandle,
	contextID storage.ContextID,
) (storage.CompletionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contexts[contextID]; !ok {
		return 0, storage.ErrUnknownContext
	}

	s.nextCompletionID++
	id := storage.CompletionID(s.nextCompletionID)
	s.completions[id] = &storage.Completion{
		ID:               id,
		CompletionTokens: append([]oracle.CiphertextHandle(nil), tokens...),
		ContextID:        contextID,
		CreatedAt:        time.Now(),
	}
	return id, nil
}

// GetContext returns a copy of the stored context.
func (s *InMemoryEntityStore) GetContext(
	ctx context.Context,
	id storage.ContextID,
) (*storage.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contexts[id]
	if !ok {
		return nil, storage.ErrContextNotFound
	}
	cp := *rec
	cp.EncryptedTokens = append([]oracle.CiphertextHandle(nil), rec.EncryptedTokens...)
	return &cp, nil
}

// GetCompletion returns a copy of the stored completion.
func (s *InMemoryEntityStore) GetCompletion(
	ctx context.Context,
	id storage.CompletionID,
) (*storage.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.completions[id]
	if !ok {
		return nil, storage.ErrCompletionNotFound
	}
	cp := *rec
	cp.CompletionTokens = append([]oracle.CiphertextHandle(nil), rec.CompletionTokens...)
	return &cp, nil
}
