// Package oracle defines the external decryption/compute capability consumed
// by the coordinator. The capability is asynchronous: a submission returns an
// opaque request handle, and the cleartext arrives later through one of the
// callback entry points together with a proof that can be checked against the
// handle. The coordinator never implements the cryptography itself.
package oracle

import "context"

// CiphertextHandle is an opaque reference to an encrypted value. Only the
// external capability can interpret it.
type CiphertextHandle string

// RequestHandle uniquely correlates an asynchronous submission to its
// eventual callback. Handles are minted by the capability and are globally
// unique.
type RequestHandle string

// CallbackSelector names the callback entry point a submission's result
// should be delivered to.
type CallbackSelector string

const (
	// CallbackCompletionReady delivers the result of processing a context's
	// ciphertexts into an encrypted completion.
	CallbackCompletionReady CallbackSelector = "completion_ready"
	// CallbackCompletionDecrypted delivers the revealed plaintext of a
	// completion's ciphertexts.
	CallbackCompletionDecrypted CallbackSelector = "completion_decrypted"
)

// Oracle is the decryption/compute capability.
type Oracle interface {
	// SubmitForProcessing hands a sequence of ciphertexts to the capability
	// and returns the handle its callback will carry. Delivery of the
	// callback may happen an arbitrary amount of time later.
	SubmitForProcessing(ctx context.Context, ciphertexts []CiphertextHandle, callback CallbackSelector) (RequestHandle, error)

	// VerifyProof reports whether proof authenticates cleartext as the
	// genuine result for the given request handle. Pure predicate, no side
	// effects.
	VerifyProof(handle RequestHandle, cleartext, proof []byte) bool
}

// CallbackSink is the inbound surface the capability delivers results to.
// Both entry points absorb protocol-level failures: a returned error means
// the callback was rejected and discarded, never that the capability should
// retry it.
type CallbackSink interface {
	OnCompletionReady(ctx context.Context, handle RequestHandle, cleartext, proof []byte) error
	OnCompletionDecrypted(ctx context.Context, handle RequestHandle, cleartext, proof []byte) error
}
