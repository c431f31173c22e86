package coordinator

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// PendingKind tags what a pending request will produce when its callback
// arrives.
type PendingKind string

const (
	// PendingCompletionGeneration awaits an encrypted completion generated
	// from a context's ciphertexts. TargetID is a context id.
	PendingCompletionGeneration PendingKind = "completion_generation"
	// PendingCompletionReveal awaits the revealed plaintext of a
	// completion's ciphertexts. TargetID is a completion id.
	PendingCompletionReveal PendingKind = "completion_reveal"
)

// PendingRequest maps an outstanding oracle request handle to the logical
// entity awaiting its result. Recipient records the user who initiated the
// round trip; it is carried for notification attribution only and is never
// re-validated against current session state when the callback arrives.
type PendingRequest struct {
	Handle       oracle.RequestHandle
	TargetID     uint64
	Kind         PendingKind
	Recipient    string
	RegisteredAt time.Time
}

// RequestCorrelator owns the handle table. Resolution is single-use: a
// handle is removed the moment it resolves, so a duplicate or replayed
// callback for the same handle always fails on the second attempt. Entries
// have unbounded lifetime; there is no expiry for requests the oracle never
// answers.
type RequestCorrelator struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending map[oracle.RequestHandle]*PendingRequest
}

// NewRequestCorrelator creates an empty correlator.
func NewRequestCorrelator(logger *zap.Logger) *RequestCorrelator {
	return &RequestCorrelator{
		logger:  logger,
		pending: make(map[oracle.RequestHandle]*PendingRequest),
	}
}

// Register records a pending request for a freshly issued handle. Returns
// ErrDuplicateHandle if the handle is already pending, which only happens
// when the oracle breaks its handle-uniqueness guarantee.
func (rc *RequestCorrelator) Register(
	handle oracle.RequestHandle,
	targetID uint64,
	kind PendingKind,
	recipient string,
) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, ok := rc.pending[handle]; ok {
		rc.logger.Error("duplicate oracle request handle",
			zap.String("handle", string(handle)),
			zap.String("kind", string(kind)),
		)
		return ErrDuplicateHandle
	}

	rc.pending[handle] = &PendingRequest{
		Handle:       handle,
		TargetID:     targetID,
		Kind:         kind,
		Recipient:    recipient,
		RegisteredAt: time.Now(),
	}
	return nil
}

// Resolve atomically looks up and removes the pending request for a handle.
// Returns ErrInvalidRequest if the handle is unknown or was already
// resolved.
func (rc *RequestCorrelator) Resolve(handle oracle.RequestHandle) (*PendingRequest, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	pr, ok := rc.pending[handle]
	if !ok {
		return nil, ErrInvalidRequest
	}
	delete(rc.pending, handle)
	return pr, nil
}

// Pending returns a snapshot of outstanding requests ordered by registration
// time. Used by the operator-facing introspection tool.
func (rc *RequestCorrelator) Pending() []*PendingRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	out := make([]*PendingRequest, 0, len(rc.pending))
	for _, pr := range rc.pending {
		cp := *pr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
