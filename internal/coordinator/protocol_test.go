package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/coordinator"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage/memory"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
	"github.com/cloaklabs/confide-mcp/internal/oracle/inprocess"
)

// eventCollector records published events for assertions.
type eventCollector struct {
	mu     sync.Mutex
	events []coordinator.Event
}

func (c *eventCollector) Notify(ev coordinator.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) byType(t coordinator.EventType) []coordinator.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []coordinator.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type protocolFixture struct {
	protocol   *coordinator.CompletionProtocol
	orc        *inprocess.Oracle
	entities   *memory.InMemoryEntityStore
	correlator *coordinator.RequestCorrelator
	sessions   *coordinator.SessionManager
	events     *eventCollector
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	logger := zap.NewNop()

	entities := memory.NewInMemoryEntityStore()
	sessions := coordinator.NewSessionManager(memory.NewInMemorySessionStore(), logger)
	correlator := coordinator.NewRequestCorrelator(logger)
	orc := inprocess.New(logger)
	bus := coordinator.NewEventBus(logger)
	collector := &eventCollector{}
	bus.Subscribe(collector)

	protocol := coordinator.NewCompletionProtocol(entities, sessions, correlator, orc, bus, logger)
	orc.SetSink(coordinator.NewCallbackEndpoint(protocol, logger))

	return &protocolFixture{
		protocol:   protocol,
		orc:        orc,
		entities:   entities,
		correlator: correlator,
		sessions:   sessions,
		events:     collector,
	}
}

func TestProtocol_EndToEnd(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))

	contextID, err := f.protocol.SubmitContext(ctx, "alice",
		[]oracle.CiphertextHandle{"h1", "h2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, contextID)

	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	sub := f.orc.Submission(handle)
	require.NotNil(t, sub)
	assert.Equal(t, []oracle.CiphertextHandle{"h1", "h2"}, sub.Ciphertexts)
	assert.Equal(t, oracle.CallbackCompletionReady, sub.Callback)

	// Oracle calls back with the re-wrapped completion tokens.
	require.NoError(t, f.orc.Deliver(ctx, handle,
		oracle.EncodeHandles([]oracle.CiphertextHandle{"c1", "c2", "c3"})))

	compl, err := f.entities.GetCompletion(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, compl.ContextID)
	assert.Equal(t, []oracle.CiphertextHandle{"c1", "c2", "c3"}, compl.CompletionTokens)

	require.NoError(t, f.protocol.AssignCompletion(ctx, "alice", 1))

	revealHandle, err := f.protocol.RequestCompletionDecryption(ctx, "alice")
	require.NoError(t, err)
	require.NotEqual(t, handle, revealHandle)

	require.NoError(t, f.orc.Deliver(ctx, revealHandle,
		oracle.EncodeStrings([]string{"hello", "world"})))

	revealed := f.events.byType(coordinator.EventCompletionRevealed)
	require.Len(t, revealed, 1)
	assert.Equal(t, "alice", revealed[0].Recipient)
	assert.EqualValues(t, 1, revealed[0].CompletionID)
	assert.Equal(t, []string{"hello", "world"}, revealed[0].Tokens)
}

func TestProtocol_CompletionReferencesContextAtRequestTime(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))

	contextA, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)

	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	// The session moves on to a new context before the callback lands.
	contextB, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"b"})
	require.NoError(t, err)
	require.NotEqual(t, contextA, contextB)

	cleartext := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})
	id, err := f.protocol.OnCompletionReady(ctx, handle, cleartext, f.orc.ProofFor(handle, cleartext))
	require.NoError(t, err)

	compl, err := f.entities.GetCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contextA, compl.ContextID)
}

func TestProtocol_ReplayedCallbackIsRejected(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	cleartext := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})
	proof := f.orc.ProofFor(handle, cleartext)

	id, err := f.protocol.OnCompletionReady(ctx, handle, cleartext, proof)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	// Identical replay: consumed handle, no second completion.
	_, err = f.protocol.OnCompletionReady(ctx, handle, cleartext, proof)
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)

	_, err = f.entities.GetCompletion(ctx, 2)
	require.ErrorIs(t, err, storage.ErrCompletionNotFound)

	rejected := f.events.byType(coordinator.EventCallbackRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(handle), rejected[0].Handle)
}

func TestProtocol_InvalidProofConsumesHandle(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	cleartext := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})

	_, err = f.protocol.OnCompletionReady(ctx, handle, cleartext, []byte("forged"))
	require.ErrorIs(t, err, coordinator.ErrInvalidProof)

	_, err = f.entities.GetCompletion(ctx, 1)
	require.ErrorIs(t, err, storage.ErrCompletionNotFound)

	// The consumed handle is not restored; a later valid proof cannot be
	// retried under it.
	_, err = f.protocol.OnCompletionReady(ctx, handle, cleartext, f.orc.ProofFor(handle, cleartext))
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)
}

func TestProtocol_MalformedCleartextCreatesNothing(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	garbage := []byte{0xff}
	_, err = f.protocol.OnCompletionReady(ctx, handle, garbage, f.orc.ProofFor(handle, garbage))
	require.Error(t, err)

	_, err = f.entities.GetCompletion(ctx, 1)
	require.ErrorIs(t, err, storage.ErrCompletionNotFound)
}

func TestProtocol_UnknownHandleCallback(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	_, err := f.protocol.OnCompletionReady(ctx, "never-issued", []byte{}, []byte{})
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)

	_, err = f.protocol.OnCompletionDecrypted(ctx, "never-issued", []byte{}, []byte{})
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)
}

func TestProtocol_WrongEntryPointConsumesHandle(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	cleartext := oracle.EncodeStrings([]string{"x"})
	_, err = f.protocol.OnCompletionDecrypted(ctx, handle, cleartext, f.orc.ProofFor(handle, cleartext))
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)

	// Single-use: even the correct entry point now sees a consumed handle.
	ready := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})
	_, err = f.protocol.OnCompletionReady(ctx, handle, ready, f.orc.ProofFor(handle, ready))
	require.ErrorIs(t, err, coordinator.ErrInvalidRequest)
}

func TestProtocol_CommandPreconditions(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.ErrorIs(t, err, coordinator.ErrNoActiveSession)

	_, err = f.protocol.RequestCompletion(ctx, "alice")
	require.ErrorIs(t, err, coordinator.ErrNoActiveSession)

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))

	_, err = f.protocol.RequestCompletion(ctx, "alice")
	require.ErrorIs(t, err, coordinator.ErrNoContextSubmitted)

	_, err = f.protocol.RequestCompletionDecryption(ctx, "alice")
	require.ErrorIs(t, err, coordinator.ErrNoCompletionAvailable)

	err = f.protocol.AssignCompletion(ctx, "alice", 99)
	require.ErrorIs(t, err, storage.ErrCompletionNotFound)
}

func TestProtocol_EmptyTokenSequenceIsValid(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))

	id, err := f.protocol.SubmitContext(ctx, "alice", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestProtocol_ContextIDsStrictlyIncrease(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	require.NoError(t, f.protocol.StartSession(ctx, "bob"))

	var last storage.ContextID
	users := []string{"alice", "bob", "alice", "bob", "alice"}
	for _, user := range users {
		id, err := f.protocol.SubmitContext(ctx, user, []oracle.CiphertextHandle{"t"})
		require.NoError(t, err)
		assert.Greater(t, uint64(id), uint64(last))
		last = id
	}
}

func TestProtocol_CrossUserRoundTripsDoNotCrossTalk(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	require.NoError(t, f.protocol.StartSession(ctx, "bob"))

	aliceCtx, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	bobCtx, err := f.protocol.SubmitContext(ctx, "bob", []oracle.CiphertextHandle{"b"})
	require.NoError(t, err)

	aliceHandle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)
	bobHandle, err := f.protocol.RequestCompletion(ctx, "bob")
	require.NoError(t, err)

	// Callbacks arrive in the opposite order of the requests.
	bobClear := oracle.EncodeHandles([]oracle.CiphertextHandle{"bc"})
	bobCompl, err := f.protocol.OnCompletionReady(ctx, bobHandle, bobClear, f.orc.ProofFor(bobHandle, bobClear))
	require.NoError(t, err)

	aliceClear := oracle.EncodeHandles([]oracle.CiphertextHandle{"ac"})
	aliceCompl, err := f.protocol.OnCompletionReady(ctx, aliceHandle, aliceClear, f.orc.ProofFor(aliceHandle, aliceClear))
	require.NoError(t, err)

	bobRec, err := f.entities.GetCompletion(ctx, bobCompl)
	require.NoError(t, err)
	assert.Equal(t, bobCtx, bobRec.ContextID)

	aliceRec, err := f.entities.GetCompletion(ctx, aliceCompl)
	require.NoError(t, err)
	assert.Equal(t, aliceCtx, aliceRec.ContextID)
}

func TestProtocol_NotificationSequence(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	cleartext := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})
	_, err = f.protocol.OnCompletionReady(ctx, handle, cleartext, f.orc.ProofFor(handle, cleartext))
	require.NoError(t, err)

	submitted := f.events.byType(coordinator.EventContextSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, "alice", submitted[0].User)
	assert.EqualValues(t, 1, submitted[0].ContextID)

	requested := f.events.byType(coordinator.EventCompletionRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, "alice", requested[0].User)

	generated := f.events.byType(coordinator.EventCompletionGenerated)
	require.Len(t, generated, 1)
	assert.EqualValues(t, 1, generated[0].CompletionID)
	assert.EqualValues(t, 1, generated[0].ContextID)
}

// faultySessionStore fails writes on demand to exercise storage error paths.
type faultySessionStore struct {
	*memory.InMemorySessionStore
	failPuts bool
}

func (s *faultySessionStore) PutSession(ctx context.Context, rec *storage.SessionRecord) error {
	if s.failPuts {
		return errors.New("disk full")
	}
	return s.InMemorySessionStore.PutSession(ctx, rec)
}

func TestProtocol_FailedPointerWriteLeavesSessionUnchanged(t *testing.T) {
	logger := zap.NewNop()
	store := &faultySessionStore{InMemorySessionStore: memory.NewInMemorySessionStore()}
	entities := memory.NewInMemoryEntityStore()
	sessions := coordinator.NewSessionManager(store, logger)
	orc := inprocess.New(logger)
	bus := coordinator.NewEventBus(logger)
	collector := &eventCollector{}
	bus.Subscribe(collector)
	protocol := coordinator.NewCompletionProtocol(entities,
		sessions, coordinator.NewRequestCorrelator(logger), orc, bus, logger)
	ctx := context.Background()

	require.NoError(t, protocol.StartSession(ctx, "alice"))
	store.failPuts = true

	_, err := protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.Error(t, err)

	// The session pointer is unchanged and the failed command announced
	// nothing.
	store.failPuts = false
	rec, err := sessions.Snapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, rec.CurrentContextID)
	assert.Empty(t, collector.byType(coordinator.EventContextSubmitted))
}

func TestProtocol_RestartedSessionLosesAssignedCompletion(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()

	require.NoError(t, f.protocol.StartSession(ctx, "alice"))
	_, err := f.protocol.SubmitContext(ctx, "alice", []oracle.CiphertextHandle{"a"})
	require.NoError(t, err)
	handle, err := f.protocol.RequestCompletion(ctx, "alice")
	require.NoError(t, err)

	cleartext := oracle.EncodeHandles([]oracle.CiphertextHandle{"c"})
	id, err := f.protocol.OnCompletionReady(ctx, handle, cleartext, f.orc.ProofFor(handle, cleartext))
	require.NoError(t, err)
	require.NoError(t, f.protocol.AssignCompletion(ctx, "alice", id))

	require.NoError(t, f.protocol.EndSession(ctx, "alice"))
	require.NoError(t, f.protocol.StartSession(ctx, "alice"))

	// The completion still exists, but the fresh session no longer points
	// at it.
	_, err = f.entities.GetCompletion(ctx, id)
	require.NoError(t, err)
	_, err = f.protocol.RequestCompletionDecryption(ctx, "alice")
	require.ErrorIs(t, err, coordinator.ErrNoCompletionAvailable)
}
