// Package storage defines the persistent records of the coordinator and the
// pluggable backends that hold them. Entity records are write-once and never
// deleted; session records persist for the lifetime of the store with ended
// sessions retained for audit.
package storage

import (
	"time"

	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// ContextID identifies a stored context. IDs are monotonically increasing,
// never reused, and never 0 (0 is the "unset" sentinel in session pointers).
type ContextID uint64

// CompletionID identifies a stored completion. Same allocation rules as
// ContextID, in a disjoint namespace.
type CompletionID uint64

// Context holds a user's encrypted input as an ordered sequence of opaque
// ciphertext handles. Immutable once created.
type Context struct {
	ID              ContextID
	EncryptedTokens []oracle.CiphertextHandle
	CreatedAt       time.Time
}

// Completion holds an encrypted model suggestion together with a reference to
// the context it was generated from. Immutable once created.
type Completion struct {
	ID               CompletionID
	CompletionTokens []oracle.CiphertextHandle
	ContextID        ContextID
	CreatedAt        time.Time
}

// SessionRecord tracks one user's session. At most one record exists per
// user; an ended record stays in the store and is reactivated in place by the
// next session start.
type SessionRecord struct {
	UserID           string
	CurrentContextID ContextID
	LastCompletionID CompletionID
	Active           bool
	StartedAt        time.Time
	EndedAt          time.Time // zero while the session has never ended
}
