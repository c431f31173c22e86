package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// CompletionProtocol orchestrates the two asynchronous round trips over the
// entity store, the session manager, the request correlator and the injected
// oracle capability:
//
//	A: RequestCompletion          -> oracle -> OnCompletionReady
//	B: RequestCompletionDecryption -> oracle -> OnCompletionDecrypted
//
// A single mutex serializes every command and callback, matching the
// ledger-style execution model the protocol was designed for: each operation
// runs to completion without interleaving, and no partially-updated state is
// ever observable. Failure paths mutate nothing except the consumed request
// handle, which is never restored.
//
// Callbacks are deliberately not authenticated against the user who started
// the round trip; the oracle does not carry identity back, so attribution
// rests entirely on handle uniqueness in the correlator. Pending requests
// also have no expiry: a round trip the oracle never answers stays pending
// forever. Both are properties of the original protocol, kept as-is.
type CompletionProtocol struct {
	entities   storage.EntityStorage
	sessions   *SessionManager
	correlator *RequestCorrelator
	oracle     oracle.Oracle
	events     *EventBus
	logger     *zap.Logger

	mu sync.Mutex
}

// NewCompletionProtocol wires the protocol's collaborators together.
func NewCompletionProtocol(
	entities storage.EntityStorage,
	sessions *SessionManager,
	correlator *RequestCorrelator,
	orc oracle.Oracle,
	events *EventBus,
	logger *zap.Logger,
) *CompletionProtocol {
	return &CompletionProtocol{
		entities:   entities,
		sessions:   sessions,
		correlator: correlator,
		oracle:     orc,
		events:     events,
		logger:     logger,
	}
}

// StartSession activates a session for the user.
func (p *CompletionProtocol) StartSession(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions.StartSession(ctx, userID)
}

// EndSession deactivates the user's session.
func (p *CompletionProtocol) EndSession(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions.EndSession(ctx, userID)
}

// SubmitContext stores a new context and points the user's active session at
// it. The session is checked before the context is created so the rejection
// paths leave no record behind; a storage write failure after creation can
// strand an unreferenced context, which the append-only model tolerates. The
// session pointer itself is never left half-updated.
func (p *CompletionProtocol) SubmitContext(
	ctx context.Context,
	userID string,
	tokens []oracle.CiphertextHandle,
) (storage.ContextID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.sessions.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	if snap == nil || !snap.Active {
		return 0, ErrNoActiveSession
	}

	id, err := p.entities.CreateContext(ctx, tokens)
	if err != nil {
		return 0, fmt.Errorf("create context: %w", err)
	}
	if err := p.sessions.SetCurrentContext(ctx, userID, id); err != nil {
		return 0, err
	}

	p.events.Publish(Event{
		Type:      EventContextSubmitted,
		User:      userID,
		ContextID: uint64(id),
	})
	return id, nil
}

// RequestCompletion starts round trip A: it forwards the current context's
// ciphertexts to the oracle and registers the returned handle. The context
// id captured here is what the eventual callback will resolve against, even
// if the session's pointer moves before then.
func (p *CompletionProtocol) RequestCompletion(
	ctx context.Context,
	userID string,
) (oracle.RequestHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	contextID, err := p.sessions.ActiveContext(ctx, userID)
	if err != nil {
		return "", err
	}
	rec, err := p.entities.GetContext(ctx, contextID)
	if err != nil {
		return "", fmt.Errorf("load context %d: %w", contextID, err)
	}

	handle, err := p.oracle.SubmitForProcessing(ctx, rec.EncryptedTokens, oracle.CallbackCompletionReady)
	if err != nil {
		return "", fmt.Errorf("submit context for processing: %w", err)
	}
	if err := p.correlator.Register(handle, uint64(contextID), PendingCompletionGeneration, userID); err != nil {
		return "", err
	}

	p.events.Publish(Event{
		Type:      EventCompletionRequested,
		User:      userID,
		ContextID: uint64(contextID),
		Handle:    string(handle),
	})
	return handle, nil
}

// OnCompletionReady is the callback entry point for round trip A. On success
// it stores a completion referencing the context captured at request time.
func (p *CompletionProtocol) OnCompletionReady(
	ctx context.Context,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) (storage.CompletionID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, err := p.resolveFor(handle, PendingCompletionGeneration)
	if err != nil {
		return 0, err
	}
	if !p.oracle.VerifyProof(handle, cleartext, proof) {
		p.rejectCallback(handle, "proof verification failed")
		return 0, ErrInvalidProof
	}

	tokens, err := oracle.DecodeHandles(cleartext)
	if err != nil {
		p.rejectCallback(handle, "malformed completion cleartext")
		return 0, fmt.Errorf("decode completion cleartext: %w", err)
	}

	contextID := storage.ContextID(pr.TargetID)
	id, err := p.entities.CreateCompletion(ctx, tokens, contextID)
	if err != nil {
		// Unreachable while the store is append-only; every registered
		// target referenced an existing context.
		return 0, fmt.Errorf("create completion: %w", err)
	}

	p.logger.Info("completion generated",
		zap.Uint64("completion_id", uint64(id)),
		zap.Uint64("context_id", uint64(contextID)),
	)
	p.events.Publish(Event{
		Type:         EventCompletionGenerated,
		Recipient:    pr.Recipient,
		ContextID:    uint64(contextID),
		CompletionID: uint64(id),
	})
	return id, nil
}

// AssignCompletion points the user's active session at an existing
// completion, making it the target of the next reveal request.
func (p *CompletionProtocol) AssignCompletion(
	ctx context.Context,
	userID string,
	id storage.CompletionID,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.entities.GetCompletion(ctx, id); err != nil {
		return err
	}
	return p.sessions.SetLastCompletion(ctx, userID, id)
}

// RequestCompletionDecryption starts round trip B for the session's last
// assigned completion.
func (p *CompletionProtocol) RequestCompletionDecryption(
	ctx context.Context,
	userID string,
) (oracle.RequestHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	completionID, err := p.sessions.LastCompletion(ctx, userID)
	if err != nil {
		return "", err
	}
	rec, err := p.entities.GetCompletion(ctx, completionID)
	if err != nil {
		return "", fmt.Errorf("load completion %d: %w", completionID, err)
	}

	handle, err := p.oracle.SubmitForProcessing(ctx, rec.CompletionTokens, oracle.CallbackCompletionDecrypted)
	if err != nil {
		return "", fmt.Errorf("submit completion for decryption: %w", err)
	}
	if err := p.correlator.Register(handle, uint64(completionID), PendingCompletionReveal, userID); err != nil {
		return "", err
	}
	return handle, nil
}

// OnCompletionDecrypted is the callback entry point for round trip B. On
// success the authenticated plaintext tokens are published to observers for
// presentation; the protocol itself stores nothing.
func (p *CompletionProtocol) OnCompletionDecrypted(
	ctx context.Context,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr, err := p.resolveFor(handle, PendingCompletionReveal)
	if err != nil {
		return nil, err
	}
	if !p.oracle.VerifyProof(handle, cleartext, proof) {
		p.rejectCallback(handle, "proof verification failed")
		return nil, ErrInvalidProof
	}

	tokens, err := oracle.DecodeStrings(cleartext)
	if err != nil {
		p.rejectCallback(handle, "malformed reveal cleartext")
		return nil, fmt.Errorf("decode reveal cleartext: %w", err)
	}

	completionID := storage.CompletionID(pr.TargetID)
	p.logger.Info("completion revealed",
		zap.Uint64("completion_id", uint64(completionID)),
		zap.String("recipient", pr.Recipient),
		zap.Int("tokens", len(tokens)),
	)
	p.events.Publish(Event{
		Type:         EventCompletionRevealed,
		Recipient:    pr.Recipient,
		CompletionID: uint64(completionID),
		Tokens:       tokens,
	})
	return tokens, nil
}

// resolveFor consumes the handle and checks it was registered for the entry
// point the callback arrived at. A kind mismatch means the callback was
// routed to the wrong entry point and is treated like an unknown handle; the
// entry is still consumed, matching single-use semantics.
func (p *CompletionProtocol) resolveFor(
	handle oracle.RequestHandle,
	kind PendingKind,
) (*PendingRequest, error) {
	pr, err := p.correlator.Resolve(handle)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			p.rejectCallback(handle, "unknown or already consumed handle")
		}
		return nil, err
	}
	if pr.Kind != kind {
		p.rejectCallback(handle, fmt.Sprintf("callback kind mismatch: pending %s", pr.Kind))
		return nil, ErrInvalidRequest
	}
	return pr, nil
}

func (p *CompletionProtocol) rejectCallback(handle oracle.RequestHandle, reason string) {
	p.logger.Warn("callback rejected",
		zap.String("handle", string(handle)),
		zap.String("reason", reason),
	)
	p.events.Publish(Event{
		Type:   EventCallbackRejected,
		Handle: string(handle),
		Reason: reason,
	})
}
