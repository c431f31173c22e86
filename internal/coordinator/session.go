package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
)

// SessionManager enforces the per-user session state machine on top of a
// session store: NoSession -> Active -> Ended, with Ended behaving like
// NoSession for re-entry. An ended record is reactivated in place by the
// next start, which resets both entity pointers. Records are never removed.
//
// The manager's mutex serializes read-modify-write cycles against the store
// so no operation observes a half-updated record.
type SessionManager struct {
	store  storage.SessionStorage
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSessionManager creates a session manager over the given store.
func NewSessionManager(store storage.SessionStorage, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		logger: logger,
	}
}

// StartSession activates a session for the user. Fails with
// ErrSessionAlreadyActive if one is already active; otherwise both entity
// pointers are reset to unset.
func (sm *SessionManager) StartSession(ctx context.Context, userID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec != nil && rec.Active {
		return ErrSessionAlreadyActive
	}

	fresh := &storage.SessionRecord{
		UserID:    userID,
		Active:    true,
		StartedAt: time.Now(),
	}
	if err := sm.store.PutSession(ctx, fresh); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	sm.logger.Info("session started", zap.String("user", userID))
	return nil
}

// EndSession deactivates the user's session. The record is retained with
// both pointers intact for audit.
func (sm *SessionManager) EndSession(ctx context.Context, userID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil || !rec.Active {
		return ErrNoActiveSession
	}

	rec.Active = false
	rec.EndedAt = time.Now()
	if err := sm.store.PutSession(ctx, rec); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	sm.logger.Info("session ended", zap.String("user", userID))
	return nil
}

// SetCurrentContext points the active session at a context.
func (sm *SessionManager) SetCurrentContext(ctx context.Context, userID string, id storage.ContextID) error {
	return sm.updateActive(ctx, userID, func(rec *storage.SessionRecord) {
		rec.CurrentContextID = id
	})
}

// SetLastCompletion points the active session at a completion.
func (sm *SessionManager) SetLastCompletion(ctx context.Context, userID string, id storage.CompletionID) error {
	return sm.updateActive(ctx, userID, func(rec *storage.SessionRecord) {
		rec.LastCompletionID = id
	})
}

func (sm *SessionManager) updateActive(
	ctx context.Context,
	userID string,
	mutate func(*storage.SessionRecord),
) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec == nil || !rec.Active {
		return ErrNoActiveSession
	}

	mutate(rec)
	if err := sm.store.PutSession(ctx, rec); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// ActiveContext returns the context id the active session points at. Fails
// with ErrNoContextSubmitted while the pointer is unset.
func (sm *SessionManager) ActiveContext(ctx context.Context, userID string) (storage.ContextID, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if rec == nil || !rec.Active {
		return 0, ErrNoActiveSession
	}
	if rec.CurrentContextID == 0 {
		return 0, ErrNoContextSubmitted
	}
	return rec.CurrentContextID, nil
}

// LastCompletion returns the completion id the active session points at.
// Fails with ErrNoCompletionAvailable while the pointer is unset.
func (sm *SessionManager) LastCompletion(ctx context.Context, userID string) (storage.CompletionID, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	rec, err := sm.store.GetSession(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if rec == nil || !rec.Active {
		return 0, ErrNoActiveSession
	}
	if rec.LastCompletionID == 0 {
		return 0, ErrNoCompletionAvailable
	}
	return rec.LastCompletionID, nil
}

// Snapshot returns a copy of the user's session record, or (nil, nil) if
// the user has never started a session.
func (sm *SessionManager) Snapshot(ctx context.Context, userID string) (*storage.SessionRecord, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.store.GetSession(ctx, userID)
}
