package storage

import (
	"context"
	"errors"

	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

var (
	// ErrUnknownContext is returned when creating a completion against a
	// context id that does not exist.
	ErrUnknownContext = errors.New("unknown context")
	// ErrContextNotFound is returned by context lookups for absent ids.
	ErrContextNotFound = errors.New("context not found")
	// ErrCompletionNotFound is returned by completion lookups for absent ids.
	ErrCompletionNotFound = errors.New("completion not found")
)

// EntityStorage is the append-only store of contexts and completions.
// Implementations allocate ids starting at 1 and never reuse them.
type EntityStorage interface {
	// CreateContext stores a new context and returns its id. Empty token
	// sequences are permitted.
	CreateContext(ctx context.Context, tokens []oracle.CiphertextHandle) (ContextID, error)

	// CreateCompletion stores a new completion referencing contextID.
	// Returns ErrUnknownContext if the context does not exist.
	CreateCompletion(ctx context.Context, tokens []oracle.CiphertextHandle, contextID ContextID) (CompletionID, error)

	// GetContext returns the context with the given id, or ErrContextNotFound.
	GetContext(ctx context.Context, id ContextID) (*Context, error)

	// GetCompletion returns the completion with the given id, or
	// ErrCompletionNotFound.
	GetCompletion(ctx context.Context, id CompletionID) (*Completion, error)
}

// SessionStorage holds session records keyed by user identity.
type SessionStorage interface {
	// GetSession returns the record for a user, or (nil, nil) if the user
	// has never started a session.
	GetSession(ctx context.Context, userID string) (*SessionRecord, error)

	// PutSession creates or replaces the record for rec.UserID.
	PutSession(ctx context.Context, rec *SessionRecord) error
}
