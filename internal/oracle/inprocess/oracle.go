// Package inprocess provides an in-process implementation of the oracle
// capability for local mode and tests. It mints request handles, keeps a
// record of every submission, and produces HMAC proofs that its own
// VerifyProof accepts. It performs no real encryption: "processing" a
// context mints fresh opaque handles, and "decrypting" a completion derives
// placeholder plaintext from the submitted handles.
package inprocess

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

var (
	errNoSink            = errors.New("no callback sink configured")
	errUnknownSubmission = errors.New("unknown submission handle")
	errAlreadyDelivered  = errors.New("submission already delivered")
)

// Submission records a single call to SubmitForProcessing.
type Submission struct {
	Handle      oracle.RequestHandle
	Ciphertexts []oracle.CiphertextHandle
	Callback    oracle.CallbackSelector
	SubmittedAt time.Time
	Delivered   bool
}

// Oracle is the in-process capability. It satisfies oracle.Oracle.
type Oracle struct {
	logger *zap.Logger

	mu          sync.Mutex
	secret      []byte
	submissions map[oracle.RequestHandle]*Submission
	sink        oracle.CallbackSink

	autoDeliver bool
	delay       time.Duration
}

// Option configures the in-process oracle.
type Option func(*Oracle)

// WithAutoDeliver makes the oracle deliver a synthetic result after delay on
// every submission. Used in local service mode; tests normally deliver
// explicitly instead.
func WithAutoDeliver(delay time.Duration) Option {
	return func(o *Oracle) {
		o.autoDeliver = true
		o.delay = delay
	}
}

// New creates an in-process oracle with a random proof secret.
func New(logger *zap.Logger, opts ...Option) *Oracle {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	o := &Oracle{
		logger:      logger,
		secret:      secret,
		submissions: make(map[oracle.RequestHandle]*Submission),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetSink wires the callback sink results are delivered to.
func (o *Oracle) SetSink(sink oracle.CallbackSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

// SubmitForProcessing records the submission and returns a fresh handle.
func (o *Oracle) SubmitForProcessing(
	ctx context.Context,
	ciphertexts []oracle.CiphertextHandle,
	callback oracle.CallbackSelector,
) (oracle.RequestHandle, error) {
	handle := oracle.RequestHandle(uuid.NewString())

	sub := &Submission{
		Handle:      handle,
		Ciphertexts: append([]oracle.CiphertextHandle(nil), ciphertexts...),
		Callback:    callback,
		SubmittedAt: time.Now(),
	}

	o.mu.Lock()
	o.submissions[handle] = sub
	o.mu.Unlock()

	o.logger.Debug("oracle submission accepted",
		zap.String("handle", string(handle)),
		zap.String("callback", string(callback)),
		zap.Int("ciphertexts", len(ciphertexts)),
	)

	if o.autoDeliver {
		go o.autoDeliverAfter(handle)
	}

	return handle, nil
}

// VerifyProof checks an HMAC proof over handle and cleartext.
func (o *Oracle) VerifyProof(handle oracle.RequestHandle, cleartext, proof []byte) bool {
	return hmac.Equal(proof, o.proofFor(handle, cleartext))
}

// Deliver computes a valid proof for cleartext and invokes the callback entry
// point the submission designated. A handle can be delivered at most once
// through this method; replays must be exercised via DeliverRaw.
func (o *Oracle) Deliver(ctx context.Context, handle oracle.RequestHandle, cleartext []byte) error {
	sub, sink, err := o.takeForDelivery(handle)
	if err != nil {
		return err
	}
	return o.dispatch(ctx, sink, sub.Callback, handle, cleartext, o.proofFor(handle, cleartext))
}

// DeliverInvalidProof invokes the designated callback with a proof that will
// fail verification.
func (o *Oracle) DeliverInvalidProof(ctx context.Context, handle oracle.RequestHandle, cleartext []byte) error {
	sub, sink, err := o.takeForDelivery(handle)
	if err != nil {
		return err
	}
	proof := []byte("bogus-proof")
	return o.dispatch(ctx, sink, sub.Callback, handle, cleartext, proof)
}

// DeliverRaw invokes a callback entry point directly, bypassing submission
// bookkeeping. Tests use it for replayed and fabricated callbacks.
func (o *Oracle) DeliverRaw(
	ctx context.Context,
	callback oracle.CallbackSelector,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) error {
	o.mu.Lock()
	sink := o.sink
	o.mu.Unlock()
	if sink == nil {
		return errNoSink
	}
	return o.dispatch(ctx, sink, callback, handle, cleartext, proof)
}

// ProofFor exposes proof computation so tests can build valid raw deliveries.
func (o *Oracle) ProofFor(handle oracle.RequestHandle, cleartext []byte) []byte {
	return o.proofFor(handle, cleartext)
}

// Submission returns the recorded submission for a handle, or nil.
func (o *Oracle) Submission(handle oracle.RequestHandle) *Submission {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.submissions[handle]
	if !ok {
		return nil
	}
	cp := *sub
	cp.Ciphertexts = append([]oracle.CiphertextHandle(nil), sub.Ciphertexts...)
	return &cp
}

// SubmissionCount returns how many submissions the oracle has accepted.
func (o *Oracle) SubmissionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.submissions)
}

func (o *Oracle) proofFor(handle oracle.RequestHandle, cleartext []byte) []byte {
	mac := hmac.New(sha256.New, o.secret)
	mac.Write([]byte(handle))
	mac.Write(cleartext)
	return mac.Sum(nil)
}

func (o *Oracle) takeForDelivery(handle oracle.RequestHandle) (*Submission, oracle.CallbackSink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sub, ok := o.submissions[handle]
	if !ok {
		return nil, nil, errUnknownSubmission
	}
	if sub.Delivered {
		return nil, nil, errAlreadyDelivered
	}
	if o.sink == nil {
		return nil, nil, errNoSink
	}
	sub.Delivered = true
	return sub, o.sink, nil
}

func (o *Oracle) dispatch(
	ctx context.Context,
	sink oracle.CallbackSink,
	callback oracle.CallbackSelector,
	handle oracle.RequestHandle,
	cleartext, proof []byte,
) error {
	switch callback {
	case oracle.CallbackCompletionReady:
		return sink.OnCompletionReady(ctx, handle, cleartext, proof)
	case oracle.CallbackCompletionDecrypted:
		return sink.OnCompletionDecrypted(ctx, handle, cleartext, proof)
	default:
		return fmt.Errorf("unknown callback selector %q", callback)
	}
}

// autoDeliverAfter synthesizes a result for a submission in local mode.
func (o *Oracle) autoDeliverAfter(handle oracle.RequestHandle) {
	time.Sleep(o.delay)

	o.mu.Lock()
	sub, ok := o.submissions[handle]
	o.mu.Unlock()
	if !ok {
		return
	}

	var cleartext []byte
	switch sub.Callback {
	case oracle.CallbackCompletionReady:
		// Synthetic model output: one fresh re-wrapped handle per input token,
		// plus a terminator token.
		out := make([]oracle.CiphertextHandle, 0, len(sub.Ciphertexts)+1)
		for range sub.Ciphertexts {
			out = append(out, oracle.CiphertextHandle("cmpl-"+uuid.NewString()))
		}
		out = append(out, oracle.CiphertextHandle("cmpl-"+uuid.NewString()))
		cleartext = oracle.EncodeHandles(out)
	case oracle.CallbackCompletionDecrypted:
		tokens := make([]string, len(sub.Ciphertexts))
		for i, h := range sub.Ciphertexts {
			sum := sha256.Sum256([]byte(h))
			tokens[i] = fmt.Sprintf("tok-%x", sum[:4])
		}
		cleartext = oracle.EncodeStrings(tokens)
	}

	if err := o.Deliver(context.Background(), handle, cleartext); err != nil {
		o.logger.Warn("auto delivery failed",
			zap.String("handle", string(handle)),
			zap.Error(err),
		)
	}
}
