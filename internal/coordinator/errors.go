package coordinator

import "errors"

// Command-level errors are returned synchronously to the caller; the caller
// fixes session state and retries the command. Callback-path errors
// (ErrInvalidRequest, ErrInvalidProof) are absorbed at the protocol boundary
// and recorded as failed-callback events, never propagated to the oracle.
var (
	// ErrSessionAlreadyActive is returned by session start when the user
	// already has an active session.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrNoActiveSession is returned by operations requiring an active
	// session when there is none.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNoContextSubmitted is returned when a completion is requested
	// before any context was submitted in the active session.
	ErrNoContextSubmitted = errors.New("no context submitted")

	// ErrNoCompletionAvailable is returned when a reveal is requested
	// before any completion was assigned in the active session.
	ErrNoCompletionAvailable = errors.New("no completion available")

	// ErrInvalidRequest marks a callback whose handle is unknown or was
	// already consumed. Treated as a no-op: it usually indicates duplicate
	// delivery rather than an attack.
	ErrInvalidRequest = errors.New("invalid request handle")

	// ErrInvalidProof marks a callback whose proof failed verification.
	// Fatal to that callback only; the consumed handle is not restored.
	ErrInvalidProof = errors.New("proof verification failed")

	// ErrDuplicateHandle marks a correlator registration for a handle that
	// is already pending. Unreachable given the oracle's uniqueness
	// guarantee; if it occurs it is an internal consistency failure, not a
	// user error.
	ErrDuplicateHandle = errors.New("duplicate request handle")
)
