package coordinator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage/memory"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
	"github.com/cloaklabs/confide-mcp/internal/oracle/inprocess"
)

func newTestServer(t *testing.T) (*MCPServer, *inprocess.Oracle) {
	t.Helper()
	logger := zap.NewNop()

	entities := memory.NewInMemoryEntityStore()
	sessions := NewSessionManager(memory.NewInMemorySessionStore(), logger)
	correlator := NewRequestCorrelator(logger)
	orc := inprocess.New(logger)
	events := NewEventBus(logger)

	audit, err := NewAuditLogger("", logger)
	require.NoError(t, err)
	events.Subscribe(audit)

	protocol := NewCompletionProtocol(entities, sessions, correlator, orc, events, logger)
	orc.SetSink(NewCallbackEndpoint(protocol, logger))

	ms := NewMCPServer(Config{Name: "test", Version: "0.0.0"},
		protocol, sessions, entities, correlator, audit, events, logger)
	t.Cleanup(ms.Close)
	return ms, orc
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestHandleSessionStart(t *testing.T) {
	ms, _ := newTestServer(t)
	ctx := context.Background()

	result, err := ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// Starting again while active is a tool error, not a transport error.
	result, err = ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), ErrSessionAlreadyActive.Error())
}

func TestHandleSessionStart_MissingUser(t *testing.T) {
	ms, _ := newTestServer(t)

	result, err := ms.handleSessionStart(context.Background(),
		callRequest(toolSessionStart, map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSessionStatus(t *testing.T) {
	ms, _ := newTestServer(t)
	ctx := context.Background()

	result, err := ms.handleSessionStatus(ctx, callRequest(toolSessionStatus,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	var status sessionStatusResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &status))
	assert.False(t, status.Exists)

	_, err = ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	result, err = ms.handleSessionStatus(ctx, callRequest(toolSessionStatus,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &status))
	assert.True(t, status.Exists)
	assert.True(t, status.Active)
	assert.Zero(t, status.CurrentContextID)
}

func TestHandleContextSubmitAndGet(t *testing.T) {
	ms, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	result, err := ms.handleContextSubmit(ctx, callRequest(toolContextSubmit,
		map[string]interface{}{
			"user":   "alice",
			"tokens": []interface{}{"h1", "h2"},
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var submitted contextSubmitResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &submitted))
	assert.EqualValues(t, 1, submitted.ContextID)
	assert.Equal(t, 2, submitted.Tokens)

	result, err = ms.handleContextGet(ctx, callRequest(toolContextGet,
		map[string]interface{}{"context_id": 1}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var fetched contextGetResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &fetched))
	assert.EqualValues(t, 1, fetched.ContextID)
	assert.Equal(t, []string{"h1", "h2"}, fetched.EncryptedTokens)
}

func TestHandleContextSubmit_BadArguments(t *testing.T) {
	ms, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	cases := []map[string]interface{}{
		{"user": "alice"},                                          // missing tokens
		{"user": "alice", "tokens": "h1"},                          // not an array
		{"user": "alice", "tokens": []interface{}{"h1", 7}},        // non-string element
		{"user": "alice", "tokens": []interface{}{"h1", []byte{}}}, // non-string element
	}
	for _, args := range cases {
		result, err := ms.handleContextSubmit(ctx, callRequest(toolContextSubmit, args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	}
}

func TestHandleCompletionRoundTrip(t *testing.T) {
	ms, orc := newTestServer(t)
	ctx := context.Background()

	_, err := ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	_, err = ms.handleContextSubmit(ctx, callRequest(toolContextSubmit,
		map[string]interface{}{"user": "alice", "tokens": []interface{}{"h1"}}))
	require.NoError(t, err)

	result, err := ms.handleCompletionRequest(ctx, callRequest(toolCompletionRequest,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var async asyncRequestResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &async))
	assert.Equal(t, "pending", async.Status)
	require.NotEmpty(t, async.RequestHandle)

	handle := oracle.RequestHandle(async.RequestHandle)
	require.NoError(t, orc.Deliver(ctx, handle,
		oracle.EncodeHandles([]oracle.CiphertextHandle{"c1"})))

	result, err = ms.handleCompletionGet(ctx, callRequest(toolCompletionGet,
		map[string]interface{}{"completion_id": 1}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var compl completionGetResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &compl))
	assert.EqualValues(t, 1, compl.ContextID)
	assert.Equal(t, []string{"c1"}, compl.CompletionTokens)

	result, err = ms.handleCompletionAssign(ctx, callRequest(toolCompletionAssign,
		map[string]interface{}{"user": "alice", "completion_id": 1}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = ms.handleCompletionReveal(ctx, callRequest(toolCompletionReveal,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &async))
	assert.Equal(t, "pending", async.Status)

	require.NoError(t, orc.Deliver(ctx, oracle.RequestHandle(async.RequestHandle),
		oracle.EncodeStrings([]string{"hello"})))
}

func TestHandleCompletionRequest_Preconditions(t *testing.T) {
	ms, _ := newTestServer(t)
	ctx := context.Background()

	result, err := ms.handleCompletionRequest(ctx, callRequest(toolCompletionRequest,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), ErrNoActiveSession.Error())

	_, err = ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	result, err = ms.handleCompletionRequest(ctx, callRequest(toolCompletionRequest,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), ErrNoContextSubmitted.Error())
}

func TestHandlePendingList(t *testing.T) {
	ms, orc := newTestServer(t)
	ctx := context.Background()

	result, err := ms.handlePendingList(ctx, callRequest(toolPendingList, nil))
	require.NoError(t, err)

	var resp pendingListResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Empty(t, resp.Pending)
	assert.Zero(t, resp.DroppedNotifications)

	_, err = ms.handleSessionStart(ctx, callRequest(toolSessionStart,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)
	_, err = ms.handleContextSubmit(ctx, callRequest(toolContextSubmit,
		map[string]interface{}{"user": "alice", "tokens": []interface{}{"h1"}}))
	require.NoError(t, err)
	_, err = ms.handleCompletionRequest(ctx, callRequest(toolCompletionRequest,
		map[string]interface{}{"user": "alice"}))
	require.NoError(t, err)

	result, err = ms.handlePendingList(ctx, callRequest(toolPendingList, nil))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	require.Len(t, resp.Pending, 1)
	assert.Equal(t, string(PendingCompletionGeneration), resp.Pending[0].Kind)
	assert.Equal(t, "alice", resp.Pending[0].Recipient)

	handle := oracle.RequestHandle(resp.Pending[0].Handle)
	require.NoError(t, orc.Deliver(ctx, handle,
		oracle.EncodeHandles([]oracle.CiphertextHandle{"c1"})))

	result, err = ms.handlePendingList(ctx, callRequest(toolPendingList, nil))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Empty(t, resp.Pending)
}
