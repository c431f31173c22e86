package coordinator

import (
	"go.uber.org/zap"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
)

const (
	toolSessionStart      = "session.start"
	toolSessionEnd        = "session.end"
	toolSessionStatus     = "session.status"
	toolContextSubmit     = "context.submit"
	toolContextGet        = "context.get"
	toolCompletionRequest = "completion.request"
	toolCompletionAssign  = "completion.assign"
	toolCompletionReveal  = "completion.reveal"
	toolCompletionGet     = "completion.get"
	toolPendingList       = "pending.list"
)

// MCPServer exposes the completion protocol as MCP tools and streams
// protocol events to connected clients.
type MCPServer struct {
	server     *server.MCPServer
	protocol   *CompletionProtocol
	sessions   *SessionManager
	entities   storage.EntityStorage
	correlator *RequestCorrelator
	audit      *AuditLogger
	notifier   *EventNotifier
	logger     *zap.Logger
}

// Config holds identification for the MCP server.
type Config struct {
	Name    string
	Version string
}

// NewMCPServer creates and configures the MCP tool surface. It subscribes an
// EventNotifier to the event bus so asynchronous results reach connected
// clients as notifications.
func NewMCPServer(
	cfg Config,
	protocol *CompletionProtocol,
	sessions *SessionManager,
	entities storage.EntityStorage,
	correlator *RequestCorrelator,
	audit *AuditLogger,
	events *EventBus,
	logger *zap.Logger,
) *MCPServer {
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	ms := &MCPServer{
		server:     mcpServer,
		protocol:   protocol,
		sessions:   sessions,
		entities:   entities,
		correlator: correlator,
		audit:      audit,
		notifier:   NewEventNotifier(mcpServer, logger),
		logger:     logger,
	}
	events.Subscribe(ms.notifier)
	ms.registerTools()
	return ms
}

// Close stops the background event delivery loop.
func (ms *MCPServer) Close() {
	ms.notifier.Close()
}

// registerTools registers all MCP tools with their handlers.
func (ms *MCPServer) registerTools() {
	sessionStartTool := mcp.NewTool(toolSessionStart,
		mcp.WithDescription("Start a session for a user; fails if one is already active"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity the session is keyed by"),
		),
	)
	ms.server.AddTool(sessionStartTool, ms.handleSessionStart)

	sessionEndTool := mcp.NewTool(toolSessionEnd,
		mcp.WithDescription("End the user's active session; the record is retained for audit"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
	)
	ms.server.AddTool(sessionEndTool, ms.handleSessionEnd)

	sessionStatusTool := mcp.NewTool(toolSessionStatus,
		mcp.WithDescription("Fetch the user's session snapshot"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
	)
	ms.server.AddTool(sessionStatusTool, ms.handleSessionStatus)

	contextSubmitTool := mcp.NewTool(toolContextSubmit,
		mcp.WithDescription("Submit encrypted context tokens and point the active session at the stored context"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
		mcp.WithArray("tokens",
			mcp.Required(),
			mcp.Description("Ordered sequence of opaque ciphertext handles"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	ms.server.AddTool(contextSubmitTool, ms.handleContextSubmit)

	contextGetTool := mcp.NewTool(toolContextGet,
		mcp.WithDescription("Fetch a stored context by id"),
		mcp.WithNumber("context_id",
			mcp.Required(),
			mcp.Description("Context id"),
		),
	)
	ms.server.AddTool(contextGetTool, ms.handleContextGet)

	completionRequestTool := mcp.NewTool(toolCompletionRequest,
		mcp.WithDescription("Ask the oracle to generate a completion from the session's current context (asynchronous)"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
	)
	ms.server.AddTool(completionRequestTool, ms.handleCompletionRequest)

	completionAssignTool := mcp.NewTool(toolCompletionAssign,
		mcp.WithDescription("Assign a generated completion to the user's active session"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
		mcp.WithNumber("completion_id",
			mcp.Required(),
			mcp.Description("Completion id to assign"),
		),
	)
	ms.server.AddTool(completionAssignTool, ms.handleCompletionAssign)

	completionRevealTool := mcp.NewTool(toolCompletionReveal,
		mcp.WithDescription("Ask the oracle to reveal the session's assigned completion (asynchronous)"),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("User identity"),
		),
	)
	ms.server.AddTool(completionRevealTool, ms.handleCompletionReveal)

	completionGetTool := mcp.NewTool(toolCompletionGet,
		mcp.WithDescription("Fetch a stored completion by id"),
		mcp.WithNumber("completion_id",
			mcp.Required(),
			mcp.Description("Completion id"),
		),
	)
	ms.server.AddTool(completionGetTool, ms.handleCompletionGet)

	pendingListTool := mcp.NewTool(toolPendingList,
		mcp.WithDescription("List outstanding oracle requests awaiting callbacks"),
	)
	ms.server.AddTool(pendingListTool, ms.handlePendingList)
}
