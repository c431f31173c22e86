package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// sessionStatusResponse is the session.status tool payload.
type sessionStatusResponse struct {
	User             string `json:"user"`
	Exists           bool   `json:"exists"`
	Active           bool   `json:"active"`
	CurrentContextID uint64 `json:"current_context_id"`
	LastCompletionID uint64 `json:"last_completion_id"`
}

func (ms *MCPServer) handleSessionStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.protocol.StartSession(ctx, user); err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolSessionStart, Outcome: "error", Error: err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{User: user, Command: toolSessionStart, Outcome: "ok"})
	return mcp.NewToolResultText(fmt.Sprintf("session started for %s", user)), nil
}

func (ms *MCPServer) handleSessionEnd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := ms.protocol.EndSession(ctx, user); err != nil {
		ms.audit.LogCommand(AuditEntry{
			User: user, Command: toolSessionEnd, Outcome: "error", Error: err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}

	ms.audit.LogCommand(AuditEntry{User: user, Command: toolSessionEnd, Outcome: "ok"})
	return mcp.NewToolResultText(fmt.Sprintf("session ended for %s", user)), nil
}

func (ms *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := ms.sessions.Snapshot(ctx, user)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := sessionStatusResponse{User: user}
	if rec != nil {
		resp.Exists = true
		resp.Active = rec.Active
		resp.CurrentContextID = uint64(rec.CurrentContextID)
		resp.LastCompletionID = uint64(rec.LastCompletionID)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
